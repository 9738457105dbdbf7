package danmaku

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-cast/internal/config"
)

// SenderLimiter keeps one token bucket per (room, sender). A bucket idle
// long enough to refill completely is evicted; recreating it full loses
// nothing.
type SenderLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewSenderLimiter(cfg config.GatewayLimitConfig) *SenderLimiter {
	if cfg.SenderRate <= 0 {
		return nil
	}
	burst := cfg.SenderBurst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxSenders
	if size <= 0 {
		size = 4096
	}
	idle := time.Duration(float64(burst)/cfg.SenderRate*float64(time.Second)) + time.Second
	return &SenderLimiter{
		limit:   rate.Limit(cfg.SenderRate),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, idle),
	}
}

// Allow takes one token for the sender at now. A nil limiter admits
// everything.
func (l *SenderLimiter) Allow(room string, msg Message, now time.Time) bool {
	if l == nil {
		return true
	}
	key := room + "\x00" + senderKey(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	allowed := bucket.AllowN(now, 1)
	// Re-adding refreshes the idle expiry.
	l.buckets.Add(key, bucket)
	return allowed
}

func senderKey(msg Message) string {
	if msg.SenderID != "" {
		return "id:" + msg.SenderID
	}
	return "name:" + strings.ToLower(msg.Sender)
}

// Selector admits at most one message per room per window.
type Selector struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewSelector(window time.Duration) *Selector {
	if window <= 0 {
		return nil
	}
	return &Selector{window: window, last: make(map[string]time.Time)}
}

func (s *Selector) Allow(room string, now time.Time) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[room]; ok && now.Sub(last) < s.window {
		return false
	}
	s.last[room] = now
	return true
}

func (s *Selector) Forget(room string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.last, room)
	s.mu.Unlock()
}
