package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
)

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Room    string `json:"room,omitempty"`
	tts.Options
}

type ttsResponse struct {
	RequestID   string  `json:"request_id"`
	VoiceID     string  `json:"voice_id"`
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	Samples     int     `json:"samples"`
	DurationMS  int64   `json:"duration_ms"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	RTF         float64 `json:"rtf"`
	AudioBase64 string  `json:"audio_base64"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		reason := "invalid_request"
		if errors.Is(err, protocol.ErrUnknownField) {
			reason = "invalid_options"
		}
		writeError(w, http.StatusBadRequest, reason, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = s.deps.DefaultVoice
	}
	if err := req.Options.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_options", err)
		return
	}

	handle, err := s.deps.Scheduler.Submit(r.Context(), scheduler.Request{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Options: req.Options,
		Lane:    scheduler.LaneAPI,
		Room:    req.Room,
	})
	if err != nil {
		status, reason := statusFor(err)
		writeError(w, status, reason, err)
		return
	}
	clip, err := handle.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			handle.Cancel()
			return
		}
		status, reason := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("synthesis failed",
				slogError(err),
				slog.String("request_id", handle.ID()),
				slog.String("reason", reason))
		}
		writeError(w, status, reason, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, ttsResponse{
			RequestID:   clip.RequestID,
			VoiceID:     clip.VoiceID,
			Format:      "wav",
			SampleRate:  clip.SampleRate,
			Samples:     clip.Samples,
			DurationMS:  clip.Duration.Milliseconds(),
			ElapsedMS:   clip.Elapsed.Milliseconds(),
			RTF:         clip.RTF,
			AudioBase64: base64.StdEncoding.EncodeToString(clip.WAV),
		})
		return
	}
	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Content-Length", strconv.Itoa(len(clip.WAV)))
	h.Set("X-Request-Id", clip.RequestID)
	h.Set("X-Voice-Id", clip.VoiceID)
	h.Set("X-Sample-Rate", strconv.Itoa(clip.SampleRate))
	h.Set("X-Duration-Ms", strconv.FormatInt(clip.Duration.Milliseconds(), 10))
	h.Set("X-Rtf", strconv.FormatFloat(clip.RTF, 'f', 3, 64))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.WAV)
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mediaType, "application/json") {
			return true
		}
	}
	return false
}
