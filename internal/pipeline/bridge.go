package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-cast/internal/bus"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
)

type Submitter interface {
	Submit(ctx context.Context, req scheduler.Request) (*scheduler.Handle[Clip], error)
}

// Bridge answers synthesis requests arriving on the bus. Requests go through
// the same scheduler as the HTTP API.
type Bridge struct {
	sched        Submitter
	bus          *bus.Client
	defaultVoice string
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *slog.Logger

	// mu orders wg.Add in handleRequest against wg.Wait in Close.
	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

func NewBridge(parent context.Context, sched Submitter, busClient *bus.Client, defaultVoice string, log *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		sched:        sched,
		bus:          busClient,
		defaultVoice: defaultVoice,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.With(slog.String("component", "tts-bridge")),
	}
}

func (b *Bridge) Start() error {
	if b.bus == nil {
		return nil
	}
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectTTSRequest, b.handleRequest)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Close stops taking requests and waits for the ones already submitted.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn("failed to unsubscribe tts requests", slogError(err))
		}
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool {
	if b.bus == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil && !b.closed
}

func (b *Bridge) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := protocol.Decode(bytes.NewReader(msg.Data), &req); err != nil {
		b.logger.Warn("failed to decode tts request", slogError(err))
		reason := "invalid_request"
		if errors.Is(err, protocol.ErrUnknownField) {
			reason = "invalid_options"
		}
		b.respond(msg, protocol.TTSReply{RequestID: req.RequestID, Error: err.Error(), Reason: reason})
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = b.defaultVoice
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.respond(msg, protocol.TTSReply{RequestID: req.RequestID, Error: scheduler.ErrShuttingDown.Error(), Reason: string(scheduler.ReasonShuttingDown)})
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()

		handle, err := b.sched.Submit(b.ctx, scheduler.Request{
			ID:      req.RequestID,
			Text:    req.Text,
			VoiceID: req.VoiceID,
			Options: req.Options,
			Lane:    scheduler.LaneAPI,
			Room:    req.Room,
		})
		if err != nil {
			b.respond(msg, replyError(req, err))
			return
		}
		clip, err := handle.Wait(b.ctx)
		if err != nil {
			b.respond(msg, replyError(req, err))
			return
		}
		b.respond(msg, protocol.TTSReply{
			RequestID:   clip.RequestID,
			VoiceID:     clip.VoiceID,
			SampleRate:  clip.SampleRate,
			DurationMS:  clip.Duration.Milliseconds(),
			AudioBase64: base64.StdEncoding.EncodeToString(clip.WAV),
		})
	}()
}

func (b *Bridge) respond(msg *nats.Msg, reply protocol.TTSReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Warn("failed to marshal tts reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to respond to tts request", slogError(err))
	}
}

func replyError(req protocol.TTSRequest, err error) protocol.TTSReply {
	reply := protocol.TTSReply{RequestID: req.RequestID, VoiceID: req.VoiceID, Error: err.Error()}
	if reason, ok := scheduler.RejectReason(err); ok {
		reply.Reason = string(reason)
	} else if errors.Is(err, tts.ErrTimeout) {
		reply.Reason = "timeout"
	} else {
		reply.Reason = "engine_error"
	}
	return reply
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
