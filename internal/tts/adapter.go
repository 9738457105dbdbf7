package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-cast/internal/audio"
	"github.com/loqalabs/loqa-cast/internal/voice"
)

type AdapterConfig struct {
	OutputSampleRate   int
	SupportedLanguages []string
	Device             string
	Precision          string
	Compile            bool
}

// Adapter is the only caller of the external capability. It blocks for the
// duration of the call; concurrency is bounded by the scheduler.
type Adapter struct {
	capability Capability
	cfg        AdapterConfig
	languages  map[string]struct{}
	logger     *slog.Logger
}

func NewAdapter(capability Capability, cfg AdapterConfig, log *slog.Logger) *Adapter {
	langs := make(map[string]struct{}, len(cfg.SupportedLanguages))
	for _, l := range cfg.SupportedLanguages {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			langs[l] = struct{}{}
		}
	}
	return &Adapter{
		capability: capability,
		cfg:        cfg,
		languages:  langs,
		logger:     log.With(slog.String("component", "tts-adapter")),
	}
}

func (a *Adapter) Synthesize(ctx context.Context, text string, profile voice.Profile, ref *voice.Entry, s Settings) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, engineErr(KindInvalidText, false, "text is empty")
	}
	if ref == nil || len(ref.Samples) == 0 {
		return Result{}, engineErr(KindInvalidOutput, false, "voice %q has no processed reference", profile.ID)
	}
	if !a.languageSupported(profile.Language) {
		return Result{}, engineErr(KindUnsupportedLanguage, false, "language %q not supported", profile.Language)
	}

	out, err := a.capability.Synthesize(ctx, Call{
		Text:                text,
		ReferenceSamples:    ref.Samples,
		ReferenceSampleRate: ref.SampleRate,
		ReferenceText:       ref.Text,
		Language:            profile.Language,
		NFEStep:             s.NFEStep,
		Speed:               s.Speed,
		CFGStrength:         s.CFGStrength,
		SwaySamplingCoef:    s.SwaySamplingCoef,
		CrossFadeDuration:   s.CrossFadeDuration,
		FixDuration:         s.FixDuration,
		Seed:                s.Seed,
		Device:              a.cfg.Device,
		Precision:           a.cfg.Precision,
		Compile:             a.cfg.Compile,
	})
	if err != nil {
		return Result{}, a.classify(ctx, err)
	}

	if len(out.Samples) == 0 {
		return Result{}, engineErr(KindEmptyOutput, false, "capability returned no samples")
	}
	if out.Channels > 1 {
		return Result{}, engineErr(KindChannels, false, "expected mono output, got %d channels", out.Channels)
	}
	if out.SampleRate <= 0 {
		return Result{}, engineErr(KindInvalidOutput, false, "invalid sample rate %d", out.SampleRate)
	}
	if !audio.Finite(out.Samples) {
		return Result{}, engineErr(KindNonFinite, false, "output contains non-finite samples")
	}

	samples := out.Samples
	gain := ref.OutputGain()
	if gain != 1 {
		samples = audio.Scale(samples, gain)
	}
	if s.RemoveSilence {
		samples = audio.TrimTrailingSilence(samples, audio.SilenceThreshold)
	}
	rate := out.SampleRate
	if target := a.cfg.OutputSampleRate; target > 0 && target != rate {
		samples = audio.Resample(samples, rate, target)
		rate = target
	}

	return Result{
		Samples:    samples,
		SampleRate: rate,
		Duration:   audio.Duration(len(samples), rate),
		Gain:       gain,
	}, nil
}

func (a *Adapter) languageSupported(lang string) bool {
	if len(a.languages) == 0 || lang == "" {
		return true
	}
	_, ok := a.languages[strings.ToLower(lang)]
	return ok
}

func (a *Adapter) classify(ctx context.Context, err error) error {
	var engErr *EngineError
	switch {
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &engErr):
		return err
	default:
		a.logger.Warn("capability failed", slog.String("error", err.Error()))
		return &EngineError{Kind: KindEngine, Err: err}
	}
}
