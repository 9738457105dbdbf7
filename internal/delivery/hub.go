// Package delivery fans finished clips out to the viewers of a room over
// SSE or WebSocket. Publishing never blocks: each viewer has a bounded
// buffer and a drop policy.
package delivery

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-cast/internal/config"
)

type Policy string

const (
	PolicyDropOldest Policy = "drop_oldest"
	PolicyDropNewest Policy = "drop_newest"
)

// Event is one playback item for a room.
type Event struct {
	Room        string `json:"room"`
	Platform    string `json:"platform,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayText string `json:"display_text"`
	VoiceID     string `json:"voice_id"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	DurationMS  int64  `json:"duration_ms"`
	Color       string `json:"color,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Audio       []byte `json:"-"`
}

type SubscribeOptions struct {
	Buffer int
	Policy Policy
}

type roomState struct {
	subs    map[*Subscriber]struct{}
	backlog []Event
}

type Hub struct {
	cfg    config.DeliveryConfig
	logger *slog.Logger
	drops  metric.Int64Counter

	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewHub(cfg config.DeliveryConfig, log *slog.Logger) *Hub {
	h := &Hub{
		cfg:    cfg,
		logger: log.With(slog.String("component", "delivery")),
		rooms:  make(map[string]*roomState),
	}
	drops, err := otel.Meter("github.com/loqalabs/loqa-cast/delivery").Int64Counter("loqacast.delivery.dropped",
		metric.WithDescription("Playback events dropped for slow viewers"))
	if err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	h.drops = drops
	return h
}

func (h *Hub) room(key string) *roomState {
	rs, ok := h.rooms[key]
	if !ok {
		rs = &roomState{subs: make(map[*Subscriber]struct{})}
		h.rooms[key] = rs
	}
	return rs
}

// Subscribe registers a viewer for room. Recent events are replayed first.
func (h *Hub) Subscribe(room string, opts SubscribeOptions) *Subscriber {
	if opts.Buffer <= 0 {
		opts.Buffer = h.cfg.Buffer
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Policy == "" {
		opts.Policy = Policy(h.cfg.Policy)
	}
	if opts.Policy != PolicyDropNewest {
		opts.Policy = PolicyDropOldest
	}
	sub := &Subscriber{
		hub:    h,
		room:   room,
		policy: opts.Policy,
		ch:     make(chan Event, opts.Buffer),
	}

	h.mu.Lock()
	rs := h.room(room)
	rs.subs[sub] = struct{}{}
	backlog := rs.backlog
	if len(backlog) > opts.Buffer {
		backlog = backlog[len(backlog)-opts.Buffer:]
	}
	for _, evt := range backlog {
		sub.ch <- evt
	}
	h.mu.Unlock()

	h.logger.Debug("viewer subscribed", slog.String("room", room), slog.Int("replayed", len(backlog)))
	return sub
}

// Publish hands evt to every viewer of room and returns how many were
// reached.
func (h *Hub) Publish(room string, evt Event) int {
	if evt.Room == "" {
		evt.Room = room
	}
	h.mu.Lock()
	rs := h.room(room)
	if limit := h.cfg.Backlog; limit > 0 {
		rs.backlog = append(rs.backlog, evt)
		if len(rs.backlog) > limit {
			rs.backlog = append([]Event(nil), rs.backlog[len(rs.backlog)-limit:]...)
		}
	}
	subs := make([]*Subscriber, 0, len(rs.subs))
	for sub := range rs.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	reached := 0
	for _, sub := range subs {
		if sub.push(evt) {
			reached++
		}
	}
	return reached
}

func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs, ok := h.rooms[room]; ok {
		return len(rs.subs)
	}
	return 0
}

// Forget drops the backlog of a room that has been stopped.
func (h *Hub) Forget(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs, ok := h.rooms[room]; ok {
		rs.backlog = nil
		if len(rs.subs) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs, ok := h.rooms[sub.room]; ok {
		delete(rs.subs, sub)
	}
}

func (h *Hub) dropped(room string, policy Policy) {
	if h.drops == nil {
		return
	}
	h.drops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("room", room),
		attribute.String("policy", string(policy))))
}

// Subscriber is one viewer's bounded buffer.
type Subscriber struct {
	hub    *Hub
	room   string
	policy Policy
	ch     chan Event

	mu       sync.Mutex
	closed   bool
	degraded bool
	drops    uint64
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) Room() string { return s.room }

// Degraded reports whether this viewer has lost events.
func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *Subscriber) push(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
	}

	s.degraded = true
	s.drops++
	s.hub.dropped(s.room, s.policy)
	if s.policy == PolicyDropNewest {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscriber) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
