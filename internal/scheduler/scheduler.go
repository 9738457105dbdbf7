// Package scheduler admits synthesis requests into a bounded two-lane queue
// and dispatches them under a fixed pool of engine permits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-cast/internal/config"
	"github.com/loqalabs/loqa-cast/internal/tts"
)

type jobState int

const (
	stateQueued jobState = iota
	stateRunning
	stateDone
)

type job[T any] struct {
	req      Request
	seq      uint64
	deadline time.Time
	retried  bool

	// guarded by Scheduler.mu
	state   jobState
	holding bool
	cancel  context.CancelFunc

	timer    *time.Timer
	stopCtx  func() bool
	done     chan struct{}
	once     sync.Once
	result   T
	err      error
	admitted time.Time
}

type Scheduler[T any] struct {
	cfg        config.SchedulerConfig
	timeout    time.Duration
	capacity   int
	dispatcher Dispatcher[T]
	voices     VoiceLookup
	logger     *slog.Logger
	metrics    *metrics
	clock      func() time.Time

	permits chan struct{}
	wake    chan struct{}

	mu       sync.Mutex
	lanes    map[Lane][]*job[T]
	inFlight int
	queued   int
	seq      uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New[T any](parent context.Context, cfg config.SchedulerConfig, dispatcher Dispatcher[T], voices VoiceLookup, log *slog.Logger) *Scheduler[T] {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	cfg.MaxParallel = maxParallel
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler[T]{
		cfg:        cfg,
		timeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		capacity:   cfg.MaxParallel + cfg.QueueDepth,
		dispatcher: dispatcher,
		voices:     voices,
		logger:     log.With(slog.String("component", "scheduler")),
		clock:      time.Now,
		permits:    make(chan struct{}, maxParallel),
		wake:       make(chan struct{}, 1),
		lanes:      make(map[Lane][]*job[T], 2),
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.timeout <= 0 {
		s.timeout = 45 * time.Second
	}
	m, err := newMetrics(s.Stats)
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	s.metrics = m
	return s
}

func (s *Scheduler[T]) Start() error {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started",
		slog.Int("max_parallel", s.cfg.MaxParallel),
		slog.Int("capacity", s.capacity),
		slog.Bool("priority_lane", s.cfg.PriorityLane))
	return nil
}

// Close rejects new work, fails queued work with ErrShuttingDown and waits
// for in-flight calls to return.
func (s *Scheduler[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var pending []*job[T]
	for lane, jobs := range s.lanes {
		pending = append(pending, jobs...)
		delete(s.lanes, lane)
	}
	for _, j := range pending {
		j.state = stateDone
	}
	s.queued = 0
	s.mu.Unlock()

	for _, j := range pending {
		s.resolve(j, *new(T), reject(ReasonShuttingDown, ErrShuttingDown), "shutdown")
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler[T]) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Scheduler[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{InFlight: s.inFlight, Queued: s.queued, Capacity: s.capacity, MaxParallel: s.cfg.MaxParallel}
}

// Submit validates req and admits it, or returns *Rejected without
// touching admitted work. ctx bounds the wait in the queue only.
func (s *Scheduler[T]) Submit(ctx context.Context, req Request) (*Handle[T], error) {
	if err := s.validate(&req); err != nil {
		s.metrics.rejected(err.Reason)
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Lane != LaneDanmaku {
		req.Lane = LaneAPI
	}
	now := s.clock()
	req.SubmittedAt = now

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.rejected(ReasonShuttingDown)
		return nil, reject(ReasonShuttingDown, ErrShuttingDown)
	}
	if s.inFlight+s.queued >= s.capacity {
		s.mu.Unlock()
		s.metrics.rejected(ReasonQueueFull)
		return nil, reject(ReasonQueueFull, nil)
	}
	s.seq++
	j := &job[T]{
		req:      req,
		seq:      s.seq,
		deadline: now.Add(s.timeout),
		state:    stateQueued,
		done:     make(chan struct{}),
		admitted: now,
	}
	s.lanes[req.Lane] = append(s.lanes[req.Lane], j)
	s.queued++
	j.timer = time.AfterFunc(s.timeout, func() { s.expire(j) })
	j.stopCtx = context.AfterFunc(ctx, func() { s.withdraw(j, ctx.Err()) })
	s.mu.Unlock()

	s.signal()
	return &Handle[T]{s: s, j: j}, nil
}

func (s *Scheduler[T]) validate(req *Request) *Rejected {
	if req.VoiceID == "" || (s.voices != nil && !s.voices.Has(req.VoiceID)) {
		return reject(ReasonUnknownVoice, fmt.Errorf("voice %q", req.VoiceID))
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return reject(ReasonInvalidText, errors.New("text is empty"))
	}
	if limit := s.cfg.MaxTextChars; limit > 0 && utf8.RuneCountInString(req.Text) > limit {
		return reject(ReasonInvalidText, fmt.Errorf("text exceeds %d characters", limit))
	}
	if err := req.Options.Validate(); err != nil {
		return reject(ReasonInvalidText, err)
	}
	return nil
}

func (s *Scheduler[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler[T]) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case s.permits <- struct{}{}:
		}
		j := s.next()
		if j == nil {
			<-s.permits
			return
		}
		s.wg.Add(1)
		go s.execute(j)
	}
}

// next blocks until a queued job is available and marks it running. The
// caller already holds a permit.
func (s *Scheduler[T]) next() *job[T] {
	for {
		s.mu.Lock()
		if j := s.popLocked(); j != nil {
			j.state = stateRunning
			j.holding = true
			s.queued--
			s.inFlight++
			s.mu.Unlock()
			s.metrics.waited(j.req.Lane, s.clock().Sub(j.admitted))
			return j
		}
		s.mu.Unlock()
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

func (s *Scheduler[T]) popLocked() *job[T] {
	api, danmaku := s.lanes[LaneAPI], s.lanes[LaneDanmaku]
	var lane Lane
	switch {
	case len(api) == 0 && len(danmaku) == 0:
		return nil
	case len(danmaku) == 0:
		lane = LaneAPI
	case len(api) == 0:
		lane = LaneDanmaku
	case s.cfg.PriorityLane || api[0].seq < danmaku[0].seq:
		lane = LaneAPI
	default:
		lane = LaneDanmaku
	}
	jobs := s.lanes[lane]
	j := jobs[0]
	jobs[0] = nil
	s.lanes[lane] = jobs[1:]
	return j
}

func (s *Scheduler[T]) removeLocked(j *job[T]) bool {
	jobs := s.lanes[j.req.Lane]
	for i, candidate := range jobs {
		if candidate == j {
			s.lanes[j.req.Lane] = append(jobs[:i:i], jobs[i+1:]...)
			s.queued--
			return true
		}
	}
	return false
}

// releaseLocked gives back the job's permit slot. The token itself is
// returned by the caller once the lock is dropped.
func (s *Scheduler[T]) releaseLocked(j *job[T]) bool {
	if !j.holding {
		return false
	}
	j.holding = false
	s.inFlight--
	return true
}

func (s *Scheduler[T]) returnPermit() {
	<-s.permits
}

func (s *Scheduler[T]) execute(j *job[T]) {
	defer s.wg.Done()

	ctx, cancel := context.WithDeadline(s.ctx, j.deadline)
	defer cancel()
	s.mu.Lock()
	j.cancel = cancel
	s.mu.Unlock()

	res, err := s.safeDispatch(ctx, j.req)

	s.mu.Lock()
	if j.state != stateRunning {
		// Timed out or shut down while running; the permit is already back.
		s.mu.Unlock()
		s.logger.Debug("discarding late result", slog.String("request_id", j.req.ID))
		return
	}
	freed := s.releaseLocked(j)
	if err != nil && transient(err) && !j.retried && !s.closed && s.clock().Before(j.deadline) {
		j.retried = true
		j.state = stateQueued
		s.lanes[j.req.Lane] = append([]*job[T]{j}, s.lanes[j.req.Lane]...)
		s.queued++
		s.mu.Unlock()
		if freed {
			s.returnPermit()
		}
		s.metrics.retried(j.req.Lane)
		s.logger.Warn("transient synthesis failure, retrying",
			slog.String("request_id", j.req.ID),
			slog.String("error", err.Error()))
		s.signal()
		return
	}
	j.state = stateDone
	s.mu.Unlock()
	if freed {
		s.returnPermit()
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = tts.ErrTimeout
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, tts.ErrTimeout) {
			outcome = "timeout"
		}
		s.logger.Warn("synthesis failed",
			slog.String("request_id", j.req.ID),
			slog.String("voice_id", j.req.VoiceID),
			slog.String("error", err.Error()))
	}
	s.resolve(j, res, err, outcome)
}

func (s *Scheduler[T]) safeDispatch(ctx context.Context, req Request) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panicked", slog.String("request_id", req.ID), slog.Any("panic", r))
			err = &tts.EngineError{Kind: tts.KindPanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.dispatcher.Dispatch(ctx, req)
}

func (s *Scheduler[T]) expire(j *job[T]) {
	s.mu.Lock()
	switch j.state {
	case stateQueued:
		s.removeLocked(j)
		j.state = stateDone
		s.mu.Unlock()
	case stateRunning:
		j.state = stateDone
		freed := s.releaseLocked(j)
		cancel := j.cancel
		s.mu.Unlock()
		if freed {
			s.returnPermit()
		}
		if cancel != nil {
			cancel()
		}
	default:
		s.mu.Unlock()
		return
	}
	s.logger.Warn("request timed out", slog.String("request_id", j.req.ID))
	s.resolve(j, *new(T), tts.ErrTimeout, "timeout")
}

// withdraw drops a job that has not been dispatched yet.
func (s *Scheduler[T]) withdraw(j *job[T], cause error) {
	s.mu.Lock()
	if j.state != stateQueued || !s.removeLocked(j) {
		s.mu.Unlock()
		return
	}
	j.state = stateDone
	s.mu.Unlock()
	if cause == nil {
		cause = context.Canceled
	}
	s.resolve(j, *new(T), cause, "cancelled")
}

func (s *Scheduler[T]) resolve(j *job[T], res T, err error, outcome string) {
	j.once.Do(func() {
		if j.timer != nil {
			j.timer.Stop()
		}
		if j.stopCtx != nil {
			j.stopCtx()
		}
		j.result, j.err = res, err
		close(j.done)
		s.metrics.completed(j.req.Lane, outcome)
	})
}

func transient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Handle tracks one admitted request.
type Handle[T any] struct {
	s *Scheduler[T]
	j *job[T]
}

func (h *Handle[T]) ID() string { return h.j.req.ID }

func (h *Handle[T]) Request() Request { return h.j.req }

func (h *Handle[T]) Done() <-chan struct{} { return h.j.done }

// Wait blocks until the request resolves or ctx ends. Ending ctx does not
// cancel the request; use Cancel for that.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-h.j.done:
		return h.j.result, h.j.err
	}
}

// Cancel withdraws the request if it has not been dispatched.
func (h *Handle[T]) Cancel() {
	h.s.withdraw(h.j, context.Canceled)
}
