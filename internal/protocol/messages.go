package protocol

import (
	"time"

	"github.com/loqalabs/loqa-cast/internal/tts"
)

// TTSRequest asks the runtime to synthesize text. It arrives on
// SubjectTTSRequest and is answered with a TTSReply.
type TTSRequest struct {
	RequestID string      `json:"request_id,omitempty"`
	Room      string      `json:"room,omitempty"`
	VoiceID   string      `json:"voice_id,omitempty"`
	Text      string      `json:"text"`
	Options   tts.Options `json:"options"`
}

type TTSReply struct {
	RequestID   string `json:"request_id,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ClipReady announces a finished clip without its audio.
type ClipReady struct {
	RequestID  string    `json:"request_id"`
	Room       string    `json:"room"`
	VoiceID    string    `json:"voice_id"`
	SampleRate int       `json:"sample_rate"`
	Samples    int       `json:"samples"`
	DurationMS int64     `json:"duration_ms"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	RTF        float64   `json:"rtf"`
	Timestamp  time.Time `json:"timestamp"`
}

// DanmakuEvent reports a chat message admitted or dropped by the gateway.
type DanmakuEvent struct {
	Platform  string    `json:"platform"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest      = "tts.request"
	SubjectClipPrefix      = "tts.clip"
	SubjectDanmakuAccepted = "danmaku.accepted"
	SubjectDanmakuDropped  = "danmaku.dropped"
)

// ClipSubject is the per-room subject for ClipReady announcements.
func ClipSubject(room string) string {
	if room == "" {
		room = "api"
	}
	return SubjectClipPrefix + "." + room
}
