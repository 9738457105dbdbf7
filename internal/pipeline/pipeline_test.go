package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-cast/internal/audio"
	"github.com/loqalabs/loqa-cast/internal/bus"
	"github.com/loqalabs/loqa-cast/internal/config"
	"github.com/loqalabs/loqa-cast/internal/eventstore"
	"github.com/loqalabs/loqa-cast/internal/natsserver"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
	"github.com/loqalabs/loqa-cast/internal/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toneLoader(string) (audio.PCM, error) {
	samples := make([]float32, 2400)
	for i := range samples {
		samples[i] = 0.05
	}
	return audio.PCM{Samples: samples, SampleRate: 24000, Channels: 1}, nil
}

type fixture struct {
	pipeline *Pipeline
	stub     *tts.Stub
	store    *eventstore.Store
	voices   *voice.Registry
}

func newFixture(t *testing.T, busClient *bus.Client) *fixture {
	t.Helper()
	log := quietLogger()
	voices := voice.NewRegistry(toneLoader, log)
	require.NoError(t, voices.Register(voice.Profile{ID: "walter", ReferenceAudio: "walter.wav", ReferenceText: "hello there", Preload: true}))

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stub := tts.NewStub(24000)
	adapter := tts.NewAdapter(stub, tts.AdapterConfig{OutputSampleRate: 24000}, log)
	engine := config.EngineConfig{DefaultNFEStep: 32, ReferenceSampleRate: 24000, TargetRMS: 0.1}
	return &fixture{
		pipeline: New(engine, voices, adapter, store, busClient, log),
		stub:     stub,
		store:    store,
		voices:   voices,
	}
}

func TestDispatchProducesWAV(t *testing.T) {
	f := newFixture(t, nil)
	clip, err := f.pipeline.Dispatch(context.Background(), scheduler.Request{ID: "req-1", Text: "hello chat", VoiceID: "walter", Lane: scheduler.LaneAPI})
	require.NoError(t, err)

	assert.Equal(t, "req-1", clip.RequestID)
	assert.Equal(t, "api", clip.Room)
	assert.Equal(t, 24000, clip.SampleRate)
	assert.Len(t, clip.WAV, audio.HeaderSize+2*clip.Samples)
	h, err := audio.ParseHeader(clip.WAV)
	require.NoError(t, err)
	assert.Equal(t, uint32(24000), h.SampleRate)
	assert.Positive(t, clip.Duration)

	events, err := f.store.ListRoomEvents(context.Background(), "api", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventstore.TypeSynthesized, events[0].Type)
	assert.Equal(t, "req-1", events[0].RequestID)
}

func TestDispatchAppliesQuietReferenceGain(t *testing.T) {
	f := newFixture(t, nil)
	clip, err := f.pipeline.Dispatch(context.Background(), scheduler.Request{ID: "r", Text: "hi", VoiceID: "walter"})
	require.NoError(t, err)

	pcm, err := audio.DecodeWAVBytes(clip.WAV)
	require.NoError(t, err)
	raw := tts.Tone("hi", nil, 24000)
	// Reference RMS 0.05 against target 0.1 halves the output.
	assert.InDelta(t, audio.RMS(raw)/2, audio.RMS(pcm.Samples), 1e-3)
}

func TestDispatchRecordsFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.stub.Fail = func(tts.Call) error { return errors.New("model exploded") }

	_, err := f.pipeline.Dispatch(context.Background(), scheduler.Request{ID: "bad", Text: "hi", VoiceID: "walter", Room: "twitch:walter"})
	var engErr *tts.EngineError
	require.ErrorAs(t, err, &engErr)

	events, err := f.store.ListRoomEvents(context.Background(), "twitch:walter", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventstore.TypeFailed, events[0].Type)
	assert.Contains(t, string(events[0].Payload), "model exploded")
}

// lateSynth finishes only after the caller has given up on the request.
type lateSynth struct {
	inner  Synthesizer
	cancel context.CancelFunc
}

func (l lateSynth) Synthesize(ctx context.Context, text string, profile voice.Profile, ref *voice.Entry, s tts.Settings) (tts.Result, error) {
	res, err := l.inner.Synthesize(ctx, text, profile, ref, s)
	l.cancel()
	return res, err
}

func TestDispatchDiscardsAbandonedClip(t *testing.T) {
	log := quietLogger()
	client := startBus(t)
	f := newFixture(t, client)

	clips := make(chan []byte, 1)
	sub, err := client.Conn().Subscribe(protocol.ClipSubject("twitch:walter"), func(m *nats.Msg) { clips <- m.Data })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := tts.NewAdapter(f.stub, tts.AdapterConfig{OutputSampleRate: 24000}, log)
	engine := config.EngineConfig{DefaultNFEStep: 32, ReferenceSampleRate: 24000, TargetRMS: 0.1}
	pipe := New(engine, f.voices, lateSynth{inner: adapter, cancel: cancel}, f.store, client, log)

	_, err = pipe.Dispatch(ctx, scheduler.Request{ID: "late", Text: "too late", VoiceID: "walter", Room: "twitch:walter"})
	require.ErrorIs(t, err, context.Canceled)

	events, err := f.store.ListRoomEvents(context.Background(), "twitch:walter", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventstore.TypeAbandoned, events[0].Type)

	require.NoError(t, client.Conn().Flush())
	select {
	case <-clips:
		t.Fatal("abandoned clip was announced")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSchedulerDispatchRecoversAfterEngineError(t *testing.T) {
	f := newFixture(t, nil)
	f.stub.Fail = func(call tts.Call) error {
		if call.Text == "poison" {
			return &tts.EngineError{Kind: tts.KindEngine, Err: errors.New("bad input")}
		}
		return nil
	}
	sched := scheduler.New[Clip](context.Background(), config.SchedulerConfig{MaxParallel: 1, QueueDepth: 4, RequestTimeoutMS: 5000, MaxTextChars: 200}, f.pipeline, f.voices, quietLogger())
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Close)

	bad, err := sched.Submit(context.Background(), scheduler.Request{Text: "poison", VoiceID: "walter"})
	require.NoError(t, err)
	good, err := sched.Submit(context.Background(), scheduler.Request{Text: "fine words", VoiceID: "walter"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = bad.Wait(ctx)
	require.Error(t, err)
	clip, err := good.Wait(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, clip.WAV)
	assert.Equal(t, 2, f.stub.Calls())
	assert.Equal(t, 0, sched.Stats().InFlight)
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := quietLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestBridgeAnswersBusRequests(t *testing.T) {
	log := quietLogger()
	client := startBus(t)

	f := newFixture(t, client)
	sched := scheduler.New[Clip](context.Background(), config.SchedulerConfig{MaxParallel: 1, QueueDepth: 2, RequestTimeoutMS: 5000, MaxTextChars: 200}, f.pipeline, f.voices, log)
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Close)

	bridge := NewBridge(context.Background(), sched, client, "walter", log)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Close)

	clips := make(chan []byte, 1)
	sub, err := client.Conn().Subscribe(protocol.ClipSubject("studio"), func(m *nats.Msg) { clips <- m.Data })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	payload, err := json.Marshal(protocol.TTSRequest{RequestID: "bus-1", Room: "studio", Text: "over the bus"})
	require.NoError(t, err)
	msg, err := client.Conn().Request(protocol.SubjectTTSRequest, payload, 5*time.Second)
	require.NoError(t, err)

	var reply protocol.TTSReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "bus-1", reply.RequestID)
	assert.Equal(t, "walter", reply.VoiceID)
	wav, err := base64.StdEncoding.DecodeString(reply.AudioBase64)
	require.NoError(t, err)
	_, err = audio.ParseHeader(wav)
	require.NoError(t, err)

	select {
	case data := <-clips:
		var ready protocol.ClipReady
		require.NoError(t, json.Unmarshal(data, &ready))
		assert.Equal(t, "bus-1", ready.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no clip announcement")
	}

	payload, err = json.Marshal(protocol.TTSRequest{VoiceID: "nobody", Text: "hi"})
	require.NoError(t, err)
	msg, err = client.Conn().Request(protocol.SubjectTTSRequest, payload, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, string(scheduler.ReasonUnknownVoice), reply.Reason)

	calls := f.stub.Calls()
	msg, err = client.Conn().Request(protocol.SubjectTTSRequest, []byte(`{"text":"hi","options":{"nfe_steps":8}}`), 5*time.Second)
	require.NoError(t, err)
	var rejected protocol.TTSReply
	require.NoError(t, json.Unmarshal(msg.Data, &rejected))
	assert.Equal(t, "invalid_options", rejected.Reason)
	assert.Contains(t, rejected.Error, "nfe_steps")
	assert.Equal(t, calls, f.stub.Calls())
}

type countingSubmitter struct {
	calls atomic.Int32
}

func (c *countingSubmitter) Submit(context.Context, scheduler.Request) (*scheduler.Handle[Clip], error) {
	c.calls.Add(1)
	return nil, errors.New("unavailable")
}

func TestBridgeStopsTakingRequestsAfterClose(t *testing.T) {
	submitter := &countingSubmitter{}
	bridge := NewBridge(context.Background(), submitter, nil, "walter", quietLogger())
	require.NoError(t, bridge.Start())

	data, err := json.Marshal(protocol.TTSRequest{Text: "before close"})
	require.NoError(t, err)
	bridge.handleRequest(&nats.Msg{Data: data})
	bridge.Close()
	assert.EqualValues(t, 1, submitter.calls.Load())

	bridge.handleRequest(&nats.Msg{Data: data})
	assert.EqualValues(t, 1, submitter.calls.Load())
}
