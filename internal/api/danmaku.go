package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-cast/internal/danmaku"
)

var errDanmakuDisabled = errors.New("danmaku gateway is disabled")

type roomRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type enqueueRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Username string `json:"username"`
	SenderID string `json:"sender_id,omitempty"`
	Text     string `json:"text"`
	Color    string `json:"color,omitempty"`
}

func (s *Server) gateway(w http.ResponseWriter) (*danmaku.Gateway, bool) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "danmaku_disabled", errDanmakuDisabled)
		return nil, false
	}
	return s.deps.Gateway, true
}

func writeRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, danmaku.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, "invalid_channel", err)
	case errors.Is(err, danmaku.ErrUnknownVoice):
		writeError(w, http.StatusNotFound, "unknown_voice", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) handleStartRoom(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w)
	if !ok {
		return
	}
	var req roomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode request: %w", err))
		return
	}
	key, err := g.StartRoom(req.Platform, req.Channel, req.VoiceID)
	if err != nil {
		writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": key, "started": true})
}

func (s *Server) handleStopRoom(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w)
	if !ok {
		return
	}
	var req roomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode request: %w", err))
		return
	}
	key, stopped, err := g.StopRoom(req.Platform, req.Channel)
	if err != nil {
		writeRoomError(w, err)
		return
	}
	if stopped && s.deps.Hub != nil {
		s.deps.Hub.Forget(key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": key, "stopped": stopped})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	g, ok := s.gateway(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": g.Rooms()})
}

// handleEnqueue injects a chat message as if it arrived from the platform.
// 202 means it was queued for synthesis, 204 that it was dropped.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode request: %w", err))
		return
	}
	decision := g.Enqueue(danmaku.Message{
		Platform: req.Platform,
		Room:     req.Channel,
		Sender:   req.Username,
		SenderID: req.SenderID,
		Text:     req.Text,
		Color:    req.Color,
	})
	if !decision.Accepted {
		w.Header().Set("X-Drop-Reason", string(decision.Reason))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, decision)
}

// handleStream resolves ?room= (a room key such as twitch:name) or
// ?platform=&channel= and hands the connection to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "danmaku_disabled", errDanmakuDisabled)
		return
	}
	q := r.URL.Query()
	room := strings.TrimSpace(q.Get("room"))
	platform := q.Get("platform")
	channel := q.Get("channel")
	if room != "" && !strings.Contains(room, ":") && channel == "" {
		channel, room = room, ""
	}
	if room == "" {
		name, err := danmaku.NormalizeChannel(channel)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_channel", err)
			return
		}
		room = danmaku.RoomKey(platform, name)
	}
	s.deps.Hub.ServeStream(w, r, room)
}

type eventWire struct {
	ID        int64           `json:"id"`
	Room      string          `json:"room"`
	RequestID string          `json:"request_id,omitempty"`
	Source    string          `json:"source,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	events, err := s.deps.Store.ListRoomEvents(r.Context(), r.URL.Query().Get("room"), limit)
	if err != nil {
		s.logger.Warn("failed to list events", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	out := make([]eventWire, 0, len(events))
	for _, e := range events {
		wire := eventWire{
			ID:        e.ID,
			Room:      e.Room,
			RequestID: e.RequestID,
			Source:    e.Source,
			Type:      e.Type,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if json.Valid(e.Payload) {
			wire.Payload = e.Payload
		}
		out = append(out, wire)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
