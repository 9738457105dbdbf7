package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-cast/internal/tts"
)

type Lane string

const (
	LaneAPI     Lane = "api"
	LaneDanmaku Lane = "danmaku"
)

// Request is one unit of synthesis work. The scheduler owns it from
// admission until dispatch.
type Request struct {
	ID          string
	Text        string
	VoiceID     string
	Options     tts.Options
	Lane        Lane
	Room        string
	SubmittedAt time.Time
}

// Dispatcher performs the work behind a request. It is called with a
// permit held and must honour ctx.
type Dispatcher[T any] interface {
	Dispatch(ctx context.Context, req Request) (T, error)
}

type DispatchFunc[T any] func(ctx context.Context, req Request) (T, error)

func (f DispatchFunc[T]) Dispatch(ctx context.Context, req Request) (T, error) { return f(ctx, req) }

// VoiceLookup reports whether a voice id is known.
type VoiceLookup interface {
	Has(id string) bool
}

type Reason string

const (
	ReasonQueueFull    Reason = "queue_full"
	ReasonUnknownVoice Reason = "unknown_voice"
	ReasonInvalidText  Reason = "invalid_text"
	ReasonShuttingDown Reason = "shutting_down"
)

var ErrShuttingDown = errors.New("scheduler shutting down")

// Rejected is returned at admission time. It is never retried.
type Rejected struct {
	Reason Reason
	Err    error
}

func (r *Rejected) Error() string {
	if r.Err == nil {
		return fmt.Sprintf("request rejected: %s", r.Reason)
	}
	return fmt.Sprintf("request rejected: %s: %v", r.Reason, r.Err)
}

func (r *Rejected) Unwrap() error { return r.Err }

func reject(reason Reason, err error) *Rejected {
	return &Rejected{Reason: reason, Err: err}
}

// RejectReason extracts the admission reason from err, if any.
func RejectReason(err error) (Reason, bool) {
	var rej *Rejected
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

type Stats struct {
	InFlight    int `json:"in_flight"`
	Queued      int `json:"queued"`
	Capacity    int `json:"capacity"`
	MaxParallel int `json:"max_parallel"`
}
