// Package api is the HTTP surface: synthesis, voice reference management,
// chat room control and the playback stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-cast/internal/danmaku"
	"github.com/loqalabs/loqa-cast/internal/delivery"
	"github.com/loqalabs/loqa-cast/internal/eventstore"
	"github.com/loqalabs/loqa-cast/internal/pipeline"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
	"github.com/loqalabs/loqa-cast/internal/voice"
)

const (
	maxJSONBody      = 1 << 20
	maxReferenceBody = 10 << 20
)

type Scheduler interface {
	Submit(ctx context.Context, req scheduler.Request) (*scheduler.Handle[pipeline.Clip], error)
	Stats() scheduler.Stats
}

type Deps struct {
	Scheduler    Scheduler
	Voices       *voice.Registry
	DefaultVoice string
	Gateway      *danmaku.Gateway
	Hub          *delivery.Hub
	Store        *eventstore.Store

	// MaxUploadBytes bounds reference uploads. Zero means 10 MiB.
	MaxUploadBytes int64
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps, log *slog.Logger) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = maxReferenceBody
	}
	return &Server{deps: deps, logger: log.With(slog.String("component", "api"))}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tts", s.handleTTS)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/voices/{id}/reference", s.handleReference)
	mux.HandleFunc("POST /api/voices/{id}/reference", s.handleSetReference)
	mux.HandleFunc("DELETE /api/voices/{id}/reference", s.handleClearReference)
	mux.HandleFunc("GET /api/voices/{id}/reference/audio", s.handleReferenceAudio)
	mux.HandleFunc("GET /api/danmaku/stream", s.handleStream)
	mux.HandleFunc("POST /api/danmaku/start", s.handleStartRoom)
	mux.HandleFunc("POST /api/danmaku/stop", s.handleStopRoom)
	mux.HandleFunc("POST /api/danmaku/enqueue", s.handleEnqueue)
	mux.HandleFunc("GET /api/danmaku/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Reason: reason})
}

// statusFor maps synthesis and admission errors onto HTTP.
func statusFor(err error) (int, string) {
	if reason, ok := scheduler.RejectReason(err); ok {
		switch reason {
		case scheduler.ReasonUnknownVoice:
			return http.StatusNotFound, string(reason)
		case scheduler.ReasonInvalidText:
			return http.StatusBadRequest, string(reason)
		case scheduler.ReasonQueueFull:
			return http.StatusTooManyRequests, string(reason)
		default:
			return http.StatusServiceUnavailable, string(reason)
		}
	}
	var engineErr *tts.EngineError
	switch {
	case errors.Is(err, tts.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, tts.ErrInvalidOptions):
		return http.StatusBadRequest, "invalid_options"
	case errors.Is(err, voice.ErrUnknownVoice):
		return http.StatusNotFound, "unknown_voice"
	case errors.As(err, &engineErr):
		if engineErr.Kind == tts.KindInvalidText || engineErr.Kind == tts.KindUnsupportedLanguage {
			return http.StatusBadRequest, string(engineErr.Kind)
		}
		return http.StatusBadGateway, "engine_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusBadGateway, "engine_error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return protocol.Decode(r.Body, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Scheduler.Stats()
	body := map[string]any{
		"status":        "ok",
		"voices":        len(s.deps.Voices.List()),
		"default_voice": s.deps.DefaultVoice,
		"in_flight":     stats.InFlight,
		"queued":        stats.Queued,
		"capacity":      stats.Capacity,
		"max_parallel":  stats.MaxParallel,
	}
	if s.deps.Gateway != nil {
		body["danmaku_rooms"] = len(s.deps.Gateway.Rooms())
		body["danmaku_drops"] = s.deps.Gateway.Drops()
	}
	writeJSON(w, http.StatusOK, body)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
