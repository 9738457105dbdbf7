package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-cast/internal/voice"
)

type voicesResponse struct {
	DefaultVoice string          `json:"default_voice"`
	Voices       []voice.Profile `json:"voices"`
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, voicesResponse{
		DefaultVoice: s.deps.DefaultVoice,
		Voices:       s.deps.Voices.List(),
	})
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Voices.Reference(r.PathValue("id"))
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSetReference accepts a multipart form with an "audio" WAV file, a
// "text" transcript, or both.
func (s *Server) handleSetReference(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := s.deps.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Errorf("reference upload exceeds %d bytes", limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var ov voice.Override
	if values, ok := r.MultipartForm.Value["text"]; ok && len(values) > 0 {
		text := values[0]
		ov.Text = &text
	}
	if file, _, err := r.FormFile("audio"); err == nil {
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("read audio: %w", err))
			return
		}
		ov.Audio = data
	} else if !errors.Is(err, http.ErrMissingFile) {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("read audio: %w", err))
		return
	}

	info, err := s.deps.Voices.SetOverride(r.Context(), id, ov)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleClearReference(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.deps.Voices.ClearOverride(r.Context(), id)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	info, err := s.deps.Voices.Reference(id)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "reference": info})
}

// handleReferenceAudio serves the override when one exists, else the
// baseline, unless ?source= picks one.
func (s *Server) handleReferenceAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	source := voice.Source(r.URL.Query().Get("source"))
	if source == "" {
		info, err := s.deps.Voices.Reference(id)
		if err != nil {
			writeVoiceError(w, err)
			return
		}
		source = voice.SourceBaseline
		if info.OverrideAudioAvailable {
			source = voice.SourceOverride
		}
	}
	if source != voice.SourceBaseline && source != voice.SourceOverride {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("unknown source %q", source))
		return
	}
	data, err := s.deps.Voices.ReferenceAudio(id, source)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Reference-Source", string(source))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeVoiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voice.ErrUnknownVoice):
		writeError(w, http.StatusNotFound, "unknown_voice", err)
	case errors.Is(err, voice.ErrReferenceMissing):
		writeError(w, http.StatusNotFound, "reference_missing", err)
	case errors.Is(err, voice.ErrEmptyOverride), errors.Is(err, voice.ErrInvalidReference):
		writeError(w, http.StatusBadRequest, "invalid_reference", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}
