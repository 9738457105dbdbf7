package danmaku

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loqalabs/loqa-cast/internal/config"
)

const dedupeEntries = 4096

var linkPattern = regexp.MustCompile(`(?i)https?://|www\.`)

// Filter applies the content rules: sanitize, links, denylist, length and
// duplicates. It is safe for concurrent use.
type Filter struct {
	cfg    config.GatewayFilterConfig
	banned []string

	mu     sync.Mutex
	recent *expirable.LRU[string, struct{}]
}

func NewFilter(cfg config.GatewayFilterConfig) *Filter {
	f := &Filter{cfg: cfg}
	for _, kw := range cfg.BannedKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.banned = append(f.banned, kw)
		}
	}
	if cfg.DedupeWindowMS > 0 {
		f.recent = expirable.NewLRU[string, struct{}](dedupeEntries, nil, time.Duration(cfg.DedupeWindowMS)*time.Millisecond)
	}
	return f
}

// Sanitize folds line breaks into spaces and trims.
func Sanitize(text string) string {
	text = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(text)
	return strings.TrimSpace(text)
}

// Check returns the text to speak, or the reason the message is dropped.
// It only reads the dedupe window; Remember claims a text once the message
// is actually queued.
func (f *Filter) Check(room, text string) (string, Reason) {
	text = Sanitize(text)
	if text == "" {
		return "", ReasonEmpty
	}
	if !f.cfg.AllowLinks && linkPattern.MatchString(text) {
		return "", ReasonLink
	}
	lower := strings.ToLower(text)
	for _, kw := range f.banned {
		if strings.Contains(lower, kw) {
			return "", ReasonDenylist
		}
	}
	if utf8.RuneCountInString(text) < f.cfg.MinChars {
		return "", ReasonTooShort
	}
	text = truncate(text, f.cfg.MaxWords, f.cfg.MaxChars)

	if f.recent != nil && f.recent.Contains(dedupeKey(room, text)) {
		return "", ReasonDuplicate
	}
	return text, ""
}

// Remember claims text for the room's dedupe window. It reports false when
// another message claimed the same text first.
func (f *Filter) Remember(room, text string) bool {
	if f.recent == nil {
		return true
	}
	key := dedupeKey(room, text)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recent.Contains(key) {
		return false
	}
	f.recent.Add(key, struct{}{})
	return true
}

// Forget releases a claim for a message that was not queued after all.
func (f *Filter) Forget(room, text string) {
	if f.recent != nil {
		f.recent.Remove(dedupeKey(room, text))
	}
}

func dedupeKey(room, text string) string {
	return room + "\x00" + strings.ToLower(text)
}

func truncate(text string, maxWords, maxChars int) string {
	if maxWords > 0 {
		if words := strings.Fields(text); len(words) > maxWords {
			text = strings.Join(words[:maxWords], " ")
		}
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxChars]))
	}
	return text
}
