// Package voice holds configured voice profiles and the cache of
// preprocessed reference audio shared by every synthesis call.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-cast/internal/audio"
)

// Loader reads a reference file from disk.
type Loader func(path string) (audio.PCM, error)

type override struct {
	audio     []byte
	pcm       audio.PCM
	text      *string
	updatedAt time.Time
}

// material is a snapshot of what an entry is built from.
type material struct {
	path   string
	pcm    *audio.PCM
	text   string
	source Source
}

type build struct {
	done  chan struct{}
	entry *Entry
	err   error
}

type Registry struct {
	log   *slog.Logger
	load  Loader
	clock func() time.Time

	// writeMu serializes override replacement end to end. mu guards the maps
	// and is only held for lookups and pointer swaps.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	profiles  map[string]Profile
	overrides map[string]*override
	entries   map[CacheKey]*Entry
	building  map[CacheKey]*build
	gen       map[string]uint64
}

func NewRegistry(load Loader, log *slog.Logger) *Registry {
	if load == nil {
		load = audio.DecodeWAVFile
	}
	return &Registry{
		log:       log.With(slog.String("component", "voice-registry")),
		load:      load,
		clock:     time.Now,
		profiles:  make(map[string]Profile),
		overrides: make(map[string]*override),
		entries:   make(map[CacheKey]*Entry),
		building:  make(map[CacheKey]*build),
		gen:       make(map[string]uint64),
	}
}

func (r *Registry) Register(p Profile) error {
	if p.ID == "" {
		return ErrEmptyVoiceID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.ID]; exists {
		return fmt.Errorf("register %q: %w", p.ID, ErrDuplicateVoice)
	}
	r.profiles[p.ID] = p
	return nil
}

func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cached reports whether an entry for the key is already built.
func (r *Registry) Cached(id string, params Params) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[keyFor(id, params)]
	return ok
}

// ResolveReference returns the cached entry for (voice, params), building it
// once on a miss. Concurrent misses for the same key share one build.
func (r *Registry) ResolveReference(ctx context.Context, id string, params Params) (*Entry, error) {
	if params.SampleRate <= 0 || params.TargetRMS <= 0 {
		return nil, ErrInvalidCacheParams
	}
	key := keyFor(id, params)

	r.mu.RLock()
	entry := r.entries[key]
	r.mu.RUnlock()
	if entry != nil {
		return entry, nil
	}

	r.mu.Lock()
	if entry := r.entries[key]; entry != nil {
		r.mu.Unlock()
		return entry, nil
	}
	if pending := r.building[key]; pending != nil {
		r.mu.Unlock()
		select {
		case <-pending.done:
			return pending.entry, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	mat, err := r.materialLocked(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	b := &build{done: make(chan struct{})}
	r.building[key] = b
	gen := r.gen[id]
	r.mu.Unlock()

	started := r.clock()
	entry, err = r.build(key, mat)

	r.mu.Lock()
	delete(r.building, key)
	if err == nil && r.gen[id] == gen {
		r.entries[key] = entry
	}
	r.mu.Unlock()

	b.entry, b.err = entry, err
	close(b.done)

	if err != nil {
		return nil, err
	}
	r.log.Debug("reference cached",
		slog.String("voice", id),
		slog.Int("sample_rate", key.SampleRate),
		slog.Float64("measured_rms", entry.MeasuredRMS),
		slog.Bool("gained", entry.Gained),
		slog.Duration("elapsed", r.clock().Sub(started)))
	return entry, nil
}

// Preload builds entries for voices flagged preload. Failures are logged and
// leave the voice to lazy population.
func (r *Registry) Preload(ctx context.Context, params Params) []error {
	var errs []error
	for _, p := range r.List() {
		if !p.Preload {
			continue
		}
		if _, err := r.ResolveReference(ctx, p.ID, params); err != nil {
			r.log.Warn("preload failed; voice will load on demand",
				slog.String("voice", p.ID), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("preload %s: %w", p.ID, err))
			continue
		}
		r.log.Info("voice preloaded", slog.String("voice", p.ID))
	}
	return errs
}

// SetOverride replaces the reference for a voice. Every cached entry of the
// voice is rebuilt from the new material before anything is swapped, so
// readers observe either the old entry or the complete new one.
func (r *Registry) SetOverride(ctx context.Context, id string, ov Override) (ReferenceInfo, error) {
	if len(ov.Audio) == 0 && ov.Text == nil {
		return ReferenceInfo{}, ErrEmptyOverride
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	profile, ok := r.profiles[id]
	prev := r.overrides[id]
	r.mu.RUnlock()
	if !ok {
		return ReferenceInfo{}, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
	}

	next := &override{updatedAt: r.clock().UTC()}
	switch {
	case len(ov.Audio) > 0:
		pcm, err := audio.DecodeWAVBytes(ov.Audio)
		if err != nil {
			return ReferenceInfo{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		if len(pcm.Samples) == 0 {
			return ReferenceInfo{}, fmt.Errorf("%w: no samples", ErrInvalidReference)
		}
		next.audio = append([]byte(nil), ov.Audio...)
		next.pcm = pcm
	case prev != nil && len(prev.audio) > 0:
		next.audio, next.pcm = prev.audio, prev.pcm
	}
	switch {
	case ov.Text != nil:
		text := *ov.Text
		next.text = &text
	case prev != nil:
		next.text = prev.text
	}

	mat := materialFor(profile, next)
	if err := r.swap(ctx, id, next, mat); err != nil {
		return ReferenceInfo{}, err
	}
	r.log.Info("voice reference overridden",
		slog.String("voice", id),
		slog.Bool("audio", len(next.audio) > 0),
		slog.Bool("text", next.text != nil))
	return r.Reference(id)
}

// ClearOverride restores the configured baseline reference.
func (r *Registry) ClearOverride(ctx context.Context, id string) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	profile, ok := r.profiles[id]
	_, had := r.overrides[id]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
	}
	if !had {
		return false, nil
	}
	if err := r.swap(ctx, id, nil, materialFor(profile, nil)); err != nil {
		// Baseline could not be rebuilt eagerly; drop the override anyway and
		// let the next request populate lazily.
		r.mu.Lock()
		delete(r.overrides, id)
		r.gen[id]++
		r.dropEntriesLocked(id)
		r.mu.Unlock()
		r.log.Warn("baseline rebuild failed after override removal",
			slog.String("voice", id), slog.String("error", err.Error()))
	}
	r.log.Info("voice reference override removed", slog.String("voice", id))
	return true, nil
}

func (r *Registry) swap(ctx context.Context, id string, next *override, mat material) error {
	r.mu.RLock()
	var keys []CacheKey
	for key := range r.entries {
		if key.VoiceID == id {
			keys = append(keys, key)
		}
	}
	r.mu.RUnlock()

	built := make(map[CacheKey]*Entry, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := r.build(key, mat)
		if err != nil {
			return err
		}
		built[key] = entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if next == nil {
		delete(r.overrides, id)
	} else {
		r.overrides[id] = next
	}
	r.gen[id]++
	r.dropEntriesLocked(id)
	for key, entry := range built {
		r.entries[key] = entry
	}
	return nil
}

func (r *Registry) dropEntriesLocked(id string) {
	for key := range r.entries {
		if key.VoiceID == id {
			delete(r.entries, key)
		}
	}
}

func (r *Registry) Reference(id string) (ReferenceInfo, error) {
	r.mu.RLock()
	profile, ok := r.profiles[id]
	ov := r.overrides[id]
	r.mu.RUnlock()
	if !ok {
		return ReferenceInfo{}, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
	}
	info := ReferenceInfo{
		VoiceID:               id,
		Language:              profile.Language,
		ActiveReferenceText:   materialFor(profile, ov).text,
		BaselineReferenceText: profile.ReferenceText,
	}
	if profile.ReferenceAudio != "" {
		if st, err := os.Stat(profile.ReferenceAudio); err == nil && !st.IsDir() {
			info.BaselineAudioAvailable = true
		}
	}
	if ov != nil {
		info.OverrideReferenceText = ov.text
		info.OverrideAudioAvailable = len(ov.audio) > 0
		updated := ov.updatedAt
		info.OverrideUpdatedAt = &updated
	}
	return info, nil
}

// ReferenceAudio returns the raw reference bytes for source.
func (r *Registry) ReferenceAudio(id string, source Source) ([]byte, error) {
	r.mu.RLock()
	profile, ok := r.profiles[id]
	ov := r.overrides[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
	}
	switch source {
	case SourceOverride:
		if ov == nil || len(ov.audio) == 0 {
			return nil, ErrReferenceMissing
		}
		return ov.audio, nil
	case SourceBaseline:
		data, err := os.ReadFile(profile.ReferenceAudio)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReferenceMissing, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown reference source %q", source)
	}
}

func (r *Registry) materialLocked(id string) (material, error) {
	profile, ok := r.profiles[id]
	if !ok {
		return material{}, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
	}
	return materialFor(profile, r.overrides[id]), nil
}

func materialFor(p Profile, ov *override) material {
	m := material{path: p.ReferenceAudio, text: p.ReferenceText, source: SourceBaseline}
	if ov == nil {
		return m
	}
	m.source = SourceOverride
	if len(ov.audio) > 0 {
		pcm := ov.pcm
		m.pcm = &pcm
	}
	if ov.text != nil && *ov.text != "" {
		m.text = *ov.text
	}
	return m
}

func (r *Registry) build(key CacheKey, mat material) (*Entry, error) {
	var pcm audio.PCM
	if mat.pcm != nil {
		pcm = *mat.pcm
	} else {
		if mat.path == "" {
			return nil, ErrReferenceMissing
		}
		loaded, err := r.load(mat.path)
		if err != nil {
			return nil, fmt.Errorf("load reference %s: %w", mat.path, err)
		}
		pcm = loaded
	}
	if len(pcm.Samples) == 0 || pcm.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: empty or rateless audio", ErrInvalidReference)
	}

	mono := audio.Mono(pcm.Samples, pcm.Channels)
	measured := audio.RMS(mono)
	gained := measured > 0 && measured < key.TargetRMS
	if gained {
		mono = audio.Scale(mono, key.TargetRMS/measured)
	}
	processed := audio.Resample(mono, pcm.SampleRate, key.SampleRate)

	return &Entry{
		Key:         key,
		Samples:     processed,
		SampleRate:  key.SampleRate,
		MeasuredRMS: measured,
		TargetRMS:   key.TargetRMS,
		Gained:      gained,
		Text:        mat.text,
		Source:      mat.source,
		BuiltAt:     r.clock(),
	}, nil
}

func keyFor(id string, p Params) CacheKey {
	return CacheKey{VoiceID: id, SampleRate: p.SampleRate, TargetRMS: p.TargetRMS}
}
