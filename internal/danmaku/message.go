// Package danmaku turns live chat into paced synthesis requests. Messages
// are sanitized, filtered, rate limited per sender and queued; accepted
// ones are spoken in the room's voice and delivered in arrival order.
package danmaku

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Message is one chat line from a live platform.
type Message struct {
	ID         string    `json:"id,omitempty"`
	Platform   string    `json:"platform"`
	Room       string    `json:"room"`
	Sender     string    `json:"username"`
	SenderID   string    `json:"sender_id,omitempty"`
	Text       string    `json:"text"`
	Color      string    `json:"color,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type Reason string

const (
	ReasonEmpty        Reason = "empty"
	ReasonLink         Reason = "link"
	ReasonDenylist     Reason = "denylist"
	ReasonTooShort     Reason = "too_short"
	ReasonDuplicate    Reason = "duplicate"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonNotSelected  Reason = "not_selected"
	ReasonQueueFull    Reason = "queue_full"
	ReasonInactiveRoom Reason = "inactive_room"
)

// SchedulerReason names a drop caused by the synthesis scheduler refusing
// the request.
func SchedulerReason(reason string) Reason {
	return Reason("scheduler_" + reason)
}

// Decision is the gateway's verdict on one message.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Text     string `json:"text,omitempty"`
}

const PlatformTwitch = "twitch"

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrUnknownVoice   = errors.New("unknown voice")

	channelPattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)
)

// NormalizeChannel accepts a bare channel name or a channel URL such as
// https://www.twitch.tv/Name and returns the lower-cased name.
func NormalizeChannel(input string) (string, error) {
	s := strings.TrimSpace(input)
	if strings.Contains(s, "://") || strings.Contains(strings.ToLower(s), "twitch.tv/") {
		if !strings.Contains(s, "://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidChannel, err)
		}
		s = strings.Trim(u.Path, "/")
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.ToLower(strings.TrimPrefix(s, "#"))
	if !channelPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, input)
	}
	return s, nil
}

// NormalizePlatform lower-cases platform and defaults to twitch.
func NormalizePlatform(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if p == "" {
		return PlatformTwitch
	}
	return p
}

// RoomKey identifies a room across platforms.
func RoomKey(platform, channel string) string {
	return NormalizePlatform(platform) + ":" + channel
}

// SpokenText is what the voice actually says for msg.
func SpokenText(sender, text string) string {
	if sender == "" {
		return text
	}
	return sender + " says: " + text
}
