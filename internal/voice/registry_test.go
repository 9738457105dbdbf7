package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-cast/internal/audio"
)

var defaultParams = Params{SampleRate: 24000, TargetRMS: 0.1}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLoader struct {
	calls atomic.Int32
	level float32
	rate  int
	err   error
}

func (f *fakeLoader) load(string) (audio.PCM, error) {
	f.calls.Add(1)
	if f.err != nil {
		return audio.PCM{}, f.err
	}
	samples := make([]float32, f.rate/10)
	for i := range samples {
		samples[i] = f.level
	}
	return audio.PCM{Samples: samples, SampleRate: f.rate, Channels: 1}, nil
}

func newRegistry(t *testing.T, loader *fakeLoader, profiles ...Profile) *Registry {
	t.Helper()
	reg := NewRegistry(loader.load, newLogger())
	for _, p := range profiles {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	reg := newRegistry(t, &fakeLoader{level: 0.2, rate: 16000},
		Profile{ID: "walter", ReferenceAudio: "walter.wav"},
		Profile{ID: "alpha", ReferenceAudio: "alpha.wav"})

	p, ok := reg.Get("walter")
	require.True(t, ok)
	assert.Equal(t, "walter.wav", p.ReferenceAudio)

	_, ok = reg.Get("nobody")
	assert.False(t, ok)

	ids := []string{}
	for _, p := range reg.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"alpha", "walter"}, ids)

	err := reg.Register(Profile{ID: "walter"})
	assert.ErrorIs(t, err, ErrDuplicateVoice)
	assert.ErrorIs(t, reg.Register(Profile{}), ErrEmptyVoiceID)
}

func TestResolveBuildsOnceAndResamples(t *testing.T) {
	loader := &fakeLoader{level: 0.2, rate: 16000}
	reg := newRegistry(t, loader, Profile{ID: "walter", ReferenceAudio: "walter.wav", ReferenceText: "hi"})

	entry, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.Equal(t, 24000, entry.SampleRate)
	assert.Len(t, entry.Samples, 2400)
	assert.Equal(t, "hi", entry.Text)
	assert.Equal(t, SourceBaseline, entry.Source)

	again, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.Same(t, entry, again)
	assert.Equal(t, int32(1), loader.calls.Load())

	other, err := reg.ResolveReference(context.Background(), "walter", Params{SampleRate: 24000, TargetRMS: 0.3})
	require.NoError(t, err)
	assert.NotSame(t, entry, other, "different target is a different key")
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestResolveConcurrentMissesShareBuild(t *testing.T) {
	loader := &fakeLoader{level: 0.2, rate: 24000}
	reg := newRegistry(t, loader, Profile{ID: "walter", ReferenceAudio: "walter.wav"})

	var wg sync.WaitGroup
	entries := make([]*Entry, 16)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()
	for _, e := range entries[1:] {
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestGainDecisionSameOnHitAndMiss(t *testing.T) {
	loader := &fakeLoader{level: 0.05, rate: 24000}
	reg := newRegistry(t, loader, Profile{ID: "quiet", ReferenceAudio: "quiet.wav"})

	miss, err := reg.ResolveReference(context.Background(), "quiet", defaultParams)
	require.NoError(t, err)
	hit, err := reg.ResolveReference(context.Background(), "quiet", defaultParams)
	require.NoError(t, err)

	assert.True(t, miss.Gained)
	assert.InDelta(t, 0.05, miss.MeasuredRMS, 1e-6, "entry keeps the measured level, not the target")
	assert.InDelta(t, 0.1, audio.RMS(miss.Samples), 1e-6, "reference is normalized up to the target")
	assert.InDelta(t, 0.5, miss.OutputGain(), 1e-6)
	assert.Equal(t, miss.OutputGain(), hit.OutputGain())
	assert.Equal(t, miss.Gained, hit.Gained)
}

func TestLoudReferenceIsNotScaled(t *testing.T) {
	loader := &fakeLoader{level: 0.4, rate: 24000}
	reg := newRegistry(t, loader, Profile{ID: "loud", ReferenceAudio: "loud.wav"})

	entry, err := reg.ResolveReference(context.Background(), "loud", defaultParams)
	require.NoError(t, err)
	assert.False(t, entry.Gained)
	assert.Equal(t, float64(1), entry.OutputGain())
	assert.InDelta(t, 0.4, audio.RMS(entry.Samples), 1e-6)
}

func TestResolveUnknownVoice(t *testing.T) {
	reg := newRegistry(t, &fakeLoader{level: 0.1, rate: 24000})
	_, err := reg.ResolveReference(context.Background(), "ghost", defaultParams)
	assert.ErrorIs(t, err, ErrUnknownVoice)

	_, err = reg.ResolveReference(context.Background(), "ghost", Params{})
	assert.ErrorIs(t, err, ErrInvalidCacheParams)
}

func TestPreloadWarmsCache(t *testing.T) {
	loader := &fakeLoader{level: 0.2, rate: 24000}
	reg := newRegistry(t, loader,
		Profile{ID: "walter", ReferenceAudio: "walter.wav", Preload: true},
		Profile{ID: "lazy", ReferenceAudio: "lazy.wav"})

	errs := reg.Preload(context.Background(), defaultParams)
	require.Empty(t, errs)
	assert.True(t, reg.Cached("walter", defaultParams))
	assert.False(t, reg.Cached("lazy", defaultParams))

	before := loader.calls.Load()
	_, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.Equal(t, before, loader.calls.Load(), "first request after preload does no preprocessing")
}

func TestPreloadFailureDegradesToLazy(t *testing.T) {
	loader := &fakeLoader{err: errors.New("disk gone")}
	reg := newRegistry(t, loader, Profile{ID: "walter", ReferenceAudio: "walter.wav", Preload: true})

	errs := reg.Preload(context.Background(), defaultParams)
	require.Len(t, errs, 1)
	assert.False(t, reg.Cached("walter", defaultParams))

	loader.err = nil
	loader.level, loader.rate = 0.2, 24000
	_, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	assert.NoError(t, err)
}

func wavBytes(t *testing.T, level float32, n, rate int) []byte {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = level
	}
	b, err := audio.EncodeWAV(samples, rate, 1)
	require.NoError(t, err)
	return b
}

func TestOverrideSwapsAtomically(t *testing.T) {
	loader := &fakeLoader{level: 0.2, rate: 24000}
	reg := newRegistry(t, loader, Profile{ID: "walter", ReferenceAudio: "walter.wav", ReferenceText: "baseline"})

	old, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)

	text := "override line"
	info, err := reg.SetOverride(context.Background(), "walter", Override{Audio: wavBytes(t, 0.3, 1200, 12000), Text: &text})
	require.NoError(t, err)
	assert.True(t, info.OverrideAudioAvailable)
	assert.Equal(t, "override line", info.ActiveReferenceText)
	assert.Equal(t, "baseline", info.BaselineReferenceText)
	require.NotNil(t, info.OverrideUpdatedAt)

	assert.True(t, reg.Cached("walter", defaultParams), "swap publishes a rebuilt entry")
	fresh, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, SourceOverride, fresh.Source)
	assert.Equal(t, "override line", fresh.Text)
	assert.Len(t, fresh.Samples, 2400)
	// The previous entry is untouched for readers still holding it.
	assert.Equal(t, SourceBaseline, old.Source)
	assert.Equal(t, "baseline", old.Text)

	removed, err := reg.ClearOverride(context.Background(), "walter")
	require.NoError(t, err)
	assert.True(t, removed)
	restored, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.Equal(t, SourceBaseline, restored.Source)

	removed, err = reg.ClearOverride(context.Background(), "walter")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestOverrideTextOnlyKeepsBaselineAudio(t *testing.T) {
	loader := &fakeLoader{level: 0.2, rate: 24000}
	reg := newRegistry(t, loader, Profile{ID: "walter", ReferenceAudio: "walter.wav", ReferenceText: "baseline"})

	text := "new words"
	_, err := reg.SetOverride(context.Background(), "walter", Override{Text: &text})
	require.NoError(t, err)

	entry, err := reg.ResolveReference(context.Background(), "walter", defaultParams)
	require.NoError(t, err)
	assert.Equal(t, "new words", entry.Text)
	assert.Equal(t, int32(1), loader.calls.Load(), "baseline audio still comes from the loader")

	_, err = reg.ReferenceAudio("walter", SourceOverride)
	assert.ErrorIs(t, err, ErrReferenceMissing)
}

func TestOverrideRejectsBadAudio(t *testing.T) {
	reg := newRegistry(t, &fakeLoader{level: 0.2, rate: 24000}, Profile{ID: "walter", ReferenceAudio: "walter.wav"})

	_, err := reg.SetOverride(context.Background(), "walter", Override{Audio: []byte("nope")})
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = reg.SetOverride(context.Background(), "walter", Override{})
	assert.ErrorIs(t, err, ErrEmptyOverride)

	_, err = reg.SetOverride(context.Background(), "ghost", Override{Audio: wavBytes(t, 0.1, 10, 24000)})
	assert.ErrorIs(t, err, ErrUnknownVoice)

	info, err := reg.Reference("walter")
	require.NoError(t, err)
	assert.False(t, info.OverrideAudioAvailable)
}
