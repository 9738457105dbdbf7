package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-cast/internal/bus"
	"github.com/loqalabs/loqa-cast/internal/config"
	"github.com/loqalabs/loqa-cast/internal/delivery"
	"github.com/loqalabs/loqa-cast/internal/eventstore"
	"github.com/loqalabs/loqa-cast/internal/pipeline"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
)

// recordBuffer bounds decision events waiting for the event store and bus.
const recordBuffer = 1024

type Submitter interface {
	Submit(ctx context.Context, req scheduler.Request) (*scheduler.Handle[pipeline.Clip], error)
}

type Publisher interface {
	Publish(room string, evt delivery.Event) int
}

// Connector watches a channel on a chat platform and hands every message
// to sink until ctx ends.
type Connector interface {
	Watch(ctx context.Context, channel string, sink func(Message)) error
}

type RoomInfo struct {
	Key       string    `json:"room"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	VoiceID   string    `json:"voice_id"`
	StartedAt time.Time `json:"started_at"`
}

type room struct {
	info   RoomInfo
	cancel context.CancelFunc
}

type queued struct {
	msg  Message
	room string
	text string
}

type decisionRecord struct {
	eventType string
	subject   string
	evt       protocol.DanmakuEvent
}

type inflight struct {
	item   queued
	voice  string
	handle *scheduler.Handle[pipeline.Clip]
}

type Deps struct {
	Scheduler    Submitter
	Hub          Publisher
	Voices       scheduler.VoiceLookup
	DefaultVoice string
	Connectors   map[string]Connector
	Store        *eventstore.Store
	Bus          *bus.Client
}

type Gateway struct {
	cfg      config.GatewayConfig
	deps     Deps
	filter   *Filter
	senders  *SenderLimiter
	selector *Selector
	pace     *rate.Limiter
	queue    chan queued
	ordered  chan inflight
	records  chan decisionRecord
	clock    func() time.Time
	logger   *slog.Logger
	dropped  metric.Int64Counter
	accepted metric.Int64Counter

	mu    sync.Mutex
	rooms map[string]*room
	drops map[Reason]uint64

	unrecorded atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.GatewayConfig, deps Deps, log *slog.Logger) *Gateway {
	limit := rate.Inf
	if cfg.Queue.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.Queue.RateLimitPerSec)
	}
	capacity := cfg.Queue.Capacity
	if capacity <= 0 {
		capacity = 512
	}
	g := &Gateway{
		cfg:      cfg,
		deps:     deps,
		filter:   NewFilter(cfg.Filter),
		senders:  NewSenderLimiter(cfg.Limit),
		selector: NewSelector(time.Duration(cfg.Limit.SelectWindowMS) * time.Millisecond),
		pace:     rate.NewLimiter(limit, 1),
		queue:    make(chan queued, capacity),
		ordered:  make(chan inflight, capacity),
		records:  make(chan decisionRecord, recordBuffer),
		clock:    time.Now,
		logger:   log.With(slog.String("component", "danmaku-gateway")),
		rooms:    make(map[string]*room),
		drops:    make(map[Reason]uint64),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-cast/danmaku")
	var err error
	if g.dropped, err = meter.Int64Counter("loqacast.danmaku.dropped", metric.WithDescription("Chat messages dropped, by reason")); err != nil {
		g.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if g.accepted, err = meter.Int64Counter("loqacast.danmaku.accepted", metric.WithDescription("Chat messages queued for synthesis")); err != nil {
		g.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return g
}

func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(3)
	go g.runPacer()
	go g.runForwarder()
	go g.runRecorder()
	g.logger.Info("danmaku gateway started",
		slog.Int("queue_capacity", cap(g.queue)),
		slog.Float64("rate_limit_per_sec", g.cfg.Queue.RateLimitPerSec))
	return nil
}

func (g *Gateway) Close() {
	g.mu.Lock()
	for key, r := range g.rooms {
		if r.cancel != nil {
			r.cancel()
		}
		delete(g.rooms, key)
	}
	g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) Healthy() bool { return g.ctx != nil && g.ctx.Err() == nil }

// StartRoom activates a room and, when a connector exists for the
// platform, starts watching its chat. Starting an active room updates its
// voice.
func (g *Gateway) StartRoom(platform, channel, voiceID string) (string, error) {
	platform = NormalizePlatform(platform)
	name, err := NormalizeChannel(channel)
	if err != nil {
		return "", err
	}
	if voiceID == "" {
		voiceID = g.cfg.TTS.VoiceID
	}
	if voiceID == "" {
		voiceID = g.deps.DefaultVoice
	}
	if g.deps.Voices != nil && !g.deps.Voices.Has(voiceID) {
		return "", fmt.Errorf("%w: %q", ErrUnknownVoice, voiceID)
	}
	key := RoomKey(platform, name)

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[key]; ok {
		r.info.VoiceID = voiceID
		return key, nil
	}
	r := &room{info: RoomInfo{Key: key, Platform: platform, Channel: name, VoiceID: voiceID, StartedAt: g.clock().UTC()}}
	if conn := g.deps.Connectors[platform]; conn != nil && g.ctx != nil {
		ctx, cancel := context.WithCancel(g.ctx)
		r.cancel = cancel
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			err := conn.Watch(ctx, name, func(msg Message) {
				msg.Platform = platform
				msg.Room = name
				g.Enqueue(msg)
			})
			if err != nil && ctx.Err() == nil {
				g.logger.Warn("chat watcher stopped", slog.String("room", key), slog.String("error", err.Error()))
			}
		}()
	}
	g.rooms[key] = r
	g.logger.Info("room started", slog.String("room", key), slog.String("voice_id", voiceID))
	return key, nil
}

// StopRoom deactivates a room. Messages still queued for it are dropped.
func (g *Gateway) StopRoom(platform, channel string) (string, bool, error) {
	name, err := NormalizeChannel(channel)
	if err != nil {
		return "", false, err
	}
	key := RoomKey(platform, name)

	g.mu.Lock()
	r, ok := g.rooms[key]
	delete(g.rooms, key)
	g.mu.Unlock()
	if !ok {
		return key, false, nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	g.selector.Forget(key)
	g.logger.Info("room stopped", slog.String("room", key))
	return key, true, nil
}

func (g *Gateway) Rooms() []RoomInfo {
	g.mu.Lock()
	out := make([]RoomInfo, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r.info)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Drops returns a snapshot of drop counts by reason.
func (g *Gateway) Drops() map[Reason]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Reason]uint64, len(g.drops))
	for k, v := range g.drops {
		out[k] = v
	}
	return out
}

func (g *Gateway) roomInfo(key string) (RoomInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[key]
	if !ok {
		return RoomInfo{}, false
	}
	return r.info, true
}

// Enqueue runs msg through the filters and queues it for synthesis.
func (g *Gateway) Enqueue(msg Message) Decision {
	now := g.clock()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now.UTC()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Platform = NormalizePlatform(msg.Platform)
	if name, err := NormalizeChannel(msg.Room); err == nil {
		msg.Room = name
	}
	key := RoomKey(msg.Platform, msg.Room)

	if _, ok := g.roomInfo(key); !ok {
		return g.drop(key, msg, ReasonInactiveRoom)
	}
	text, reason := g.filter.Check(key, msg.Text)
	if reason != "" {
		return g.drop(key, msg, reason)
	}
	if !g.senders.Allow(key, msg, now) {
		return g.drop(key, msg, ReasonRateLimited)
	}
	if !g.selector.Allow(key, now) {
		return g.drop(key, msg, ReasonNotSelected)
	}
	if !g.filter.Remember(key, text) {
		return g.drop(key, msg, ReasonDuplicate)
	}

	select {
	case g.queue <- queued{msg: msg, room: key, text: text}:
	default:
		g.filter.Forget(key, text)
		return g.drop(key, msg, ReasonQueueFull)
	}
	if g.accepted != nil {
		g.accepted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("room", key)))
	}
	g.report(eventstore.TypeAccepted, protocol.SubjectDanmakuAccepted, key, msg, text, "", msg.ID)
	return Decision{Accepted: true, Text: text}
}

func (g *Gateway) drop(key string, msg Message, reason Reason) Decision {
	g.mu.Lock()
	g.drops[reason]++
	g.mu.Unlock()
	if g.dropped != nil {
		g.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
	g.logger.Debug("danmaku dropped",
		slog.String("room", key),
		slog.String("sender", msg.Sender),
		slog.String("reason", string(reason)))
	g.report(eventstore.TypeDropped, protocol.SubjectDanmakuDropped, key, msg, msg.Text, reason, "")
	return Decision{Reason: reason}
}

// report hands a decision to the recorder without blocking the chat read
// loop. When the recorder falls behind the event is counted and skipped.
func (g *Gateway) report(eventType, subject, key string, msg Message, text string, reason Reason, requestID string) {
	if g.deps.Store == nil && g.deps.Bus == nil {
		return
	}
	rec := decisionRecord{
		eventType: eventType,
		subject:   subject,
		evt: protocol.DanmakuEvent{
			Platform:  msg.Platform,
			Room:      key,
			Sender:    msg.Sender,
			Text:      text,
			Reason:    string(reason),
			RequestID: requestID,
			Timestamp: g.clock().UTC(),
		},
	}
	select {
	case g.records <- rec:
	default:
		if g.unrecorded.Add(1)%100 == 1 {
			g.logger.Warn("danmaku event recorder is behind; skipping events",
				slog.Uint64("skipped", g.unrecorded.Load()))
		}
	}
}

func (g *Gateway) runRecorder() {
	defer g.wg.Done()
	for {
		select {
		case rec := <-g.records:
			g.record(rec)
		case <-g.ctx.Done():
			for {
				select {
				case rec := <-g.records:
					g.record(rec)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) record(rec decisionRecord) {
	evt := rec.evt
	if g.deps.Store != nil {
		if payload, err := json.Marshal(evt); err == nil {
			if err := g.deps.Store.AppendEvent(context.Background(), eventstore.Event{
				Room: evt.Room, RequestID: evt.RequestID, Source: evt.Platform, Type: rec.eventType, Payload: payload,
			}); err != nil {
				g.logger.Warn("failed to record danmaku event", slog.String("error", err.Error()))
			}
		}
	}
	if err := g.deps.Bus.PublishJSON(rec.subject, evt); err != nil {
		g.logger.Warn("failed to publish danmaku event", slog.String("error", err.Error()))
	}
}

// runPacer drains the queue at the global pace and submits each message to
// the scheduler. Handles are passed on in submission order.
func (g *Gateway) runPacer() {
	defer g.wg.Done()
	defer close(g.ordered)
	for {
		var item queued
		select {
		case <-g.ctx.Done():
			return
		case item = <-g.queue:
		}
		if err := g.pace.Wait(g.ctx); err != nil {
			return
		}
		info, ok := g.roomInfo(item.room)
		if !ok {
			g.drop(item.room, item.msg, ReasonInactiveRoom)
			continue
		}

		nfe := g.cfg.TTS.NFEStep
		removeSilence := g.cfg.TTS.RemoveSilence
		opts := tts.Options{RemoveSilence: &removeSilence}
		if nfe > 0 {
			opts.NFEStep = &nfe
		}
		handle, err := g.deps.Scheduler.Submit(g.ctx, scheduler.Request{
			ID:      item.msg.ID,
			Text:    SpokenText(item.msg.Sender, item.text),
			VoiceID: info.VoiceID,
			Options: opts,
			Lane:    scheduler.LaneDanmaku,
			Room:    item.room,
		})
		if err != nil {
			reason, ok := scheduler.RejectReason(err)
			if !ok {
				reason = "error"
			}
			g.drop(item.room, item.msg, SchedulerReason(string(reason)))
			continue
		}
		select {
		case g.ordered <- inflight{item: item, voice: info.VoiceID, handle: handle}:
		case <-g.ctx.Done():
			handle.Cancel()
			return
		}
	}
}

func (g *Gateway) runForwarder() {
	defer g.wg.Done()
	for f := range g.ordered {
		clip, err := f.handle.Wait(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			g.logger.Warn("danmaku synthesis failed",
				slog.String("room", f.item.room),
				slog.String("request_id", f.handle.ID()),
				slog.String("error", err.Error()))
			continue
		}
		if g.deps.Hub == nil {
			continue
		}
		reached := g.deps.Hub.Publish(f.item.room, delivery.Event{
			Room:        f.item.room,
			Platform:    f.item.msg.Platform,
			Username:    f.item.msg.Sender,
			DisplayText: f.item.text,
			VoiceID:     f.voice,
			Format:      "wav",
			SampleRate:  clip.SampleRate,
			DurationMS:  clip.Duration.Milliseconds(),
			Color:       f.item.msg.Color,
			RequestID:   clip.RequestID,
			Audio:       clip.WAV,
		})
		g.logger.Debug("danmaku delivered",
			slog.String("room", f.item.room),
			slog.String("request_id", clip.RequestID),
			slog.Int("viewers", reached))
	}
}
