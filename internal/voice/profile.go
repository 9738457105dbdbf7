package voice

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-cast/internal/config"
)

var (
	ErrUnknownVoice       = errors.New("unknown voice")
	ErrEmptyVoiceID       = errors.New("voice id must not be empty")
	ErrDuplicateVoice     = errors.New("voice already registered")
	ErrInvalidReference   = errors.New("invalid reference audio")
	ErrEmptyOverride      = errors.New("override needs audio or text")
	ErrReferenceMissing   = errors.New("reference audio not available")
	ErrInvalidCacheParams = errors.New("invalid reference parameters")
)

// Profile is the immutable per-voice configuration loaded at startup.
type Profile struct {
	ID             string `json:"id"`
	Label          string `json:"label,omitempty"`
	ReferenceAudio string `json:"-"`
	ReferenceText  string `json:"reference_text,omitempty"`
	Language       string `json:"language,omitempty"`
	Preload        bool   `json:"preload"`
	NFEStep        int    `json:"nfe_step,omitempty"`
}

func ProfileFromConfig(v config.VoiceConfig) Profile {
	return Profile{
		ID:             v.ID,
		Label:          v.Label,
		ReferenceAudio: v.ReferenceAudio,
		ReferenceText:  v.ReferenceText,
		Language:       v.Language,
		Preload:        v.Preload,
		NFEStep:        v.NFEStep,
	}
}

// Params are the normalization parameters that, with the voice id, form the
// cache key.
type Params struct {
	SampleRate int
	TargetRMS  float64
}

type CacheKey struct {
	VoiceID    string
	SampleRate int
	TargetRMS  float64
}

type Source string

const (
	SourceBaseline Source = "baseline"
	SourceOverride Source = "override"
)

// Entry is a preprocessed reference. Entries are never mutated after they
// are published; replacement swaps the pointer.
type Entry struct {
	Key         CacheKey
	Samples     []float32
	SampleRate  int
	MeasuredRMS float64
	TargetRMS   float64
	Gained      bool
	Text        string
	Source      Source
	BuiltAt     time.Time
}

// OutputGain is the factor applied to synthesized audio so its loudness
// tracks the original reference. It depends only on what was measured when
// the entry was built, so cache hits and misses agree.
func (e *Entry) OutputGain() float64 {
	if e == nil || !e.Gained || e.TargetRMS <= 0 {
		return 1
	}
	return e.MeasuredRMS / e.TargetRMS
}

// Override replaces a voice's reference audio, transcript, or both.
type Override struct {
	Audio []byte
	Text  *string
}

type ReferenceInfo struct {
	VoiceID                string     `json:"voice_id"`
	Language               string     `json:"language,omitempty"`
	ActiveReferenceText    string     `json:"active_reference_text,omitempty"`
	BaselineReferenceText  string     `json:"baseline_reference_text,omitempty"`
	OverrideReferenceText  *string    `json:"override_reference_text,omitempty"`
	BaselineAudioAvailable bool       `json:"baseline_audio_available"`
	OverrideAudioAvailable bool       `json:"override_audio_available"`
	OverrideUpdatedAt      *time.Time `json:"override_updated_at,omitempty"`
}
