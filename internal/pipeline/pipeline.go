// Package pipeline turns an admitted request into an encoded clip: it
// resolves the voice reference, calls the engine adapter and encodes WAV.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-cast/internal/audio"
	"github.com/loqalabs/loqa-cast/internal/bus"
	"github.com/loqalabs/loqa-cast/internal/config"
	"github.com/loqalabs/loqa-cast/internal/eventstore"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
	"github.com/loqalabs/loqa-cast/internal/voice"
)

// Clip is a finished utterance ready for delivery.
type Clip struct {
	RequestID  string
	VoiceID    string
	Room       string
	WAV        []byte
	SampleRate int
	Samples    int
	Duration   time.Duration
	Elapsed    time.Duration
	RTF        float64
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, profile voice.Profile, ref *voice.Entry, s tts.Settings) (tts.Result, error)
}

type Pipeline struct {
	voices        *voice.Registry
	synth         Synthesizer
	defaults      tts.Defaults
	referenceRate int
	store         *eventstore.Store
	bus           *bus.Client
	tracer        trace.Tracer
	rtf           metric.Float64Histogram
	logger        *slog.Logger
}

func New(cfg config.EngineConfig, voices *voice.Registry, synth Synthesizer, store *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		voices:        voices,
		synth:         synth,
		defaults:      tts.Defaults{NFEStep: cfg.DefaultNFEStep, TargetRMS: cfg.TargetRMS},
		referenceRate: cfg.ReferenceSampleRate,
		store:         store,
		bus:           busClient,
		tracer:        otel.Tracer("github.com/loqalabs/loqa-cast/pipeline"),
		logger:        log.With(slog.String("component", "pipeline")),
	}
	if p.referenceRate <= 0 {
		p.referenceRate = 24000
	}
	rtf, err := otel.Meter("github.com/loqalabs/loqa-cast/pipeline").Float64Histogram("loqacast.pipeline.rtf",
		metric.WithDescription("Synthesis wall time divided by audio duration"))
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	p.rtf = rtf
	return p
}

// ReferenceParams are the cache parameters used for a resolved target RMS.
func (p *Pipeline) ReferenceParams(targetRMS float64) voice.Params {
	if targetRMS <= 0 {
		targetRMS = p.defaults.TargetRMS
	}
	if targetRMS <= 0 {
		targetRMS = tts.DefaultTargetRMS
	}
	return voice.Params{SampleRate: p.referenceRate, TargetRMS: targetRMS}
}

func (p *Pipeline) Dispatch(ctx context.Context, req scheduler.Request) (Clip, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("voice.id", req.VoiceID),
		attribute.String("lane", string(req.Lane)),
	))
	defer span.End()

	started := time.Now()
	clip, err := p.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.record(ctx, req, eventstore.TypeFailed, map[string]string{"error": err.Error(), "voice_id": req.VoiceID})
		return Clip{}, err
	}
	// The scheduler has already answered the caller; the clip goes nowhere.
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "abandoned")
		p.record(ctx, req, eventstore.TypeAbandoned, map[string]string{"error": err.Error(), "voice_id": req.VoiceID})
		return Clip{}, err
	}
	clip.Elapsed = time.Since(started)
	if clip.Duration > 0 {
		clip.RTF = clip.Elapsed.Seconds() / clip.Duration.Seconds()
	}
	if p.rtf != nil {
		p.rtf.Record(ctx, clip.RTF, metric.WithAttributes(attribute.String("voice.id", clip.VoiceID)))
	}

	ready := protocol.ClipReady{
		RequestID:  clip.RequestID,
		Room:       clip.Room,
		VoiceID:    clip.VoiceID,
		SampleRate: clip.SampleRate,
		Samples:    clip.Samples,
		DurationMS: clip.Duration.Milliseconds(),
		ElapsedMS:  clip.Elapsed.Milliseconds(),
		RTF:        clip.RTF,
		Timestamp:  time.Now().UTC(),
	}
	p.record(ctx, req, eventstore.TypeSynthesized, ready)
	if err := p.bus.PublishJSON(protocol.ClipSubject(clip.Room), ready); err != nil {
		p.logger.Warn("failed to publish clip", slog.String("error", err.Error()))
	}
	p.logger.Debug("clip synthesized",
		slog.String("request_id", clip.RequestID),
		slog.String("voice_id", clip.VoiceID),
		slog.Duration("duration", clip.Duration),
		slog.Float64("rtf", clip.RTF))
	return clip, nil
}

func (p *Pipeline) synthesize(ctx context.Context, req scheduler.Request) (Clip, error) {
	profile, ok := p.voices.Get(req.VoiceID)
	if !ok {
		return Clip{}, fmt.Errorf("%w: %s", voice.ErrUnknownVoice, req.VoiceID)
	}
	settings := req.Options.Resolve(p.defaults, profile.NFEStep)

	ref, err := p.voices.ResolveReference(ctx, profile.ID, p.ReferenceParams(settings.TargetRMS))
	if err != nil {
		return Clip{}, fmt.Errorf("resolve reference for %s: %w", profile.ID, err)
	}

	res, err := p.synth.Synthesize(ctx, req.Text, profile, ref, settings)
	if err != nil {
		return Clip{}, err
	}

	wav, err := audio.EncodeWAV(res.Samples, res.SampleRate, 1)
	if err != nil {
		return Clip{}, fmt.Errorf("encode wav: %w", err)
	}
	return Clip{
		RequestID:  req.ID,
		VoiceID:    profile.ID,
		Room:       roomOf(req),
		WAV:        wav,
		SampleRate: res.SampleRate,
		Samples:    len(res.Samples),
		Duration:   res.Duration,
	}, nil
}

func (p *Pipeline) record(ctx context.Context, req scheduler.Request, typ string, payload any) {
	if p.store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	evt := eventstore.Event{Room: roomOf(req), RequestID: req.ID, Source: string(req.Lane), Type: typ, Payload: data}
	// The dispatch context may already be past its deadline on failure.
	if err := p.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		p.logger.Warn("failed to record event", slog.String("error", err.Error()))
	}
}

func roomOf(req scheduler.Request) string {
	if req.Room == "" {
		return "api"
	}
	return req.Room
}
