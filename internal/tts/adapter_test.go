package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-cast/internal/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedCapability struct {
	out Output
	err error
	got Call
}

func (f *fixedCapability) Synthesize(_ context.Context, call Call) (Output, error) {
	f.got = call
	return f.out, f.err
}

func testEntry(gained bool, measured float64) *voice.Entry {
	return &voice.Entry{
		Samples:     []float32{0.1, 0.1, 0.1},
		SampleRate:  24000,
		MeasuredRMS: measured,
		TargetRMS:   0.1,
		Gained:      gained,
		Text:        "reference words",
	}
}

func testSettings() Settings {
	return Options{}.Resolve(Defaults{NFEStep: 32, TargetRMS: 0.1}, 0)
}

func TestAdapterPassesCallParameters(t *testing.T) {
	capability := &fixedCapability{out: Output{Samples: []float32{0.2, 0.2}, SampleRate: 24000, Channels: 1}}
	a := NewAdapter(capability, AdapterConfig{OutputSampleRate: 24000, Device: "cpu", Precision: "fp32"}, quietLogger())

	res, err := a.Synthesize(context.Background(), "  hello  ", voice.Profile{ID: "alice", Language: "en"}, testEntry(false, 0.2), testSettings())
	require.NoError(t, err)
	assert.Equal(t, "hello", capability.got.Text)
	assert.Equal(t, "reference words", capability.got.ReferenceText)
	assert.Equal(t, 32, capability.got.NFEStep)
	assert.Equal(t, "cpu", capability.got.Device)
	assert.Equal(t, 24000, res.SampleRate)
	assert.Equal(t, []float32{0.2, 0.2}, res.Samples)
	assert.Equal(t, 1.0, res.Gain)
}

func TestAdapterAppliesReferenceGain(t *testing.T) {
	capability := &fixedCapability{out: Output{Samples: []float32{0.5, -0.5}, SampleRate: 24000, Channels: 1}}
	a := NewAdapter(capability, AdapterConfig{OutputSampleRate: 24000}, quietLogger())

	res, err := a.Synthesize(context.Background(), "hi", voice.Profile{ID: "quiet"}, testEntry(true, 0.05), testSettings())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Gain, 1e-9)
	assert.InDelta(t, 0.25, res.Samples[0], 1e-6)
	assert.InDelta(t, -0.25, res.Samples[1], 1e-6)
}

func TestAdapterTrimsAndResamples(t *testing.T) {
	samples := []float32{0.5, 0.5, 0.5, 0.5, 0, 0, 0, 0}
	capability := &fixedCapability{out: Output{Samples: samples, SampleRate: 16000, Channels: 1}}
	a := NewAdapter(capability, AdapterConfig{OutputSampleRate: 32000}, quietLogger())

	s := testSettings()
	s.RemoveSilence = true
	res, err := a.Synthesize(context.Background(), "hi", voice.Profile{ID: "v"}, testEntry(false, 0.1), s)
	require.NoError(t, err)
	assert.Equal(t, 32000, res.SampleRate)
	assert.Len(t, res.Samples, 8)
	assert.Equal(t, 250*time.Microsecond, res.Duration)
}

func TestAdapterRejectsBadOutput(t *testing.T) {
	cases := []struct {
		name string
		out  Output
		kind Kind
	}{
		{"empty", Output{SampleRate: 24000, Channels: 1}, KindEmptyOutput},
		{"stereo", Output{Samples: []float32{0, 0}, SampleRate: 24000, Channels: 2}, KindChannels},
		{"nan", Output{Samples: []float32{float32(math.NaN())}, SampleRate: 24000, Channels: 1}, KindNonFinite},
		{"rate", Output{Samples: []float32{0.1}, Channels: 1}, KindInvalidOutput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAdapter(&fixedCapability{out: tc.out}, AdapterConfig{}, quietLogger())
			_, err := a.Synthesize(context.Background(), "hi", voice.Profile{ID: "v"}, testEntry(false, 0.1), testSettings())
			var engErr *EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, tc.kind, engErr.Kind)
			assert.False(t, engErr.Transient())
		})
	}
}

func TestAdapterValidatesInput(t *testing.T) {
	capability := &fixedCapability{}
	a := NewAdapter(capability, AdapterConfig{SupportedLanguages: []string{"en", "zh"}}, quietLogger())

	_, err := a.Synthesize(context.Background(), "   ", voice.Profile{ID: "v"}, testEntry(false, 0.1), testSettings())
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindInvalidText, engErr.Kind)

	_, err = a.Synthesize(context.Background(), "bonjour", voice.Profile{ID: "v", Language: "fr"}, testEntry(false, 0.1), testSettings())
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindUnsupportedLanguage, engErr.Kind)

	_, err = a.Synthesize(context.Background(), "hello", voice.Profile{ID: "v", Language: "EN"}, testEntry(false, 0.1), testSettings())
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindEmptyOutput, engErr.Kind, "language match is case-insensitive")
}

func TestAdapterMapsDeadline(t *testing.T) {
	stub := NewStub(24000)
	stub.Delay = time.Second
	a := NewAdapter(stub, AdapterConfig{}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Synthesize(ctx, "hello", voice.Profile{ID: "v"}, testEntry(false, 0.1), testSettings())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAdapterWrapsForeignErrors(t *testing.T) {
	a := NewAdapter(&fixedCapability{err: errors.New("cuda out of memory")}, AdapterConfig{}, quietLogger())
	_, err := a.Synthesize(context.Background(), "hello", voice.Profile{ID: "v"}, testEntry(false, 0.1), testSettings())
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindEngine, engErr.Kind)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestStubIsDeterministic(t *testing.T) {
	stub := NewStub(24000)
	a, err := stub.Synthesize(context.Background(), Call{Text: "same words"})
	require.NoError(t, err)
	b, err := stub.Synthesize(context.Background(), Call{Text: "same words"})
	require.NoError(t, err)
	assert.Equal(t, a.Samples, b.Samples)
	assert.Equal(t, 2, stub.Calls())
	assert.Equal(t, 1, stub.Peak())
}

func TestOptionsValidateAndResolve(t *testing.T) {
	bad := 0
	require.ErrorIs(t, Options{NFEStep: &bad}.Validate(), ErrInvalidOptions)
	zero := 0.0
	require.ErrorIs(t, Options{TargetRMS: &zero}.Validate(), ErrInvalidOptions)
	nan := math.NaN()
	require.ErrorIs(t, Options{Speed: &nan}.Validate(), ErrInvalidOptions)

	nfe := 8
	speed := 1.5
	require.NoError(t, Options{NFEStep: &nfe, Speed: &speed}.Validate())

	s := Options{Speed: &speed}.Resolve(Defaults{NFEStep: 32, TargetRMS: 0.1}, 16)
	assert.Equal(t, 16, s.NFEStep)
	assert.Equal(t, 1.5, s.Speed)
	assert.Equal(t, DefaultCFGStrength, s.CFGStrength)
	assert.Equal(t, DefaultSway, s.SwaySamplingCoef)

	s = Options{NFEStep: &nfe}.Resolve(Defaults{NFEStep: 32}, 16)
	assert.Equal(t, 8, s.NFEStep)
	assert.Equal(t, DefaultTargetRMS, s.TargetRMS)
}
