package delivery

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wireEvent struct {
	Event
	AudioBase64 string `json:"audio_base64,omitempty"`
	Degraded    bool   `json:"degraded"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// Overlays are usually loaded from a streaming tool's browser source.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *Hub) heartbeat() time.Duration {
	if h.cfg.HeartbeatMS > 0 {
		return time.Duration(h.cfg.HeartbeatMS) * time.Millisecond
	}
	return 15 * time.Second
}

// ServeStream streams room to the client, as WebSocket when the request
// asks for an upgrade and as server-sent events otherwise.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, room string) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWS(w, r, room)
		return
	}
	h.serveSSE(w, r, room)
}

func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request, room string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.Subscribe(room, SubscribeOptions{})
	defer sub.Close()

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(wireEvent{
				Event:       evt,
				AudioBase64: base64.StdEncoding.EncodeToString(evt.Audio),
				Degraded:    sub.Degraded(),
			})
			if err != nil {
				h.logger.Warn("failed to encode playback event", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: playback\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := h.Subscribe(room, SubscribeOptions{})
	defer sub.Close()

	// Viewers never send data; reading surfaces close frames and dead peers.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"), time.Now().Add(writeWait))
				return
			}
			frame, err := EncodeFrame(evt, sub.Degraded())
			if err != nil {
				h.logger.Warn("failed to encode playback frame", slog.String("error", err.Error()))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// EncodeFrame lays out a binary playback frame: a little-endian uint32
// header length, the JSON header, then the WAV bytes.
func EncodeFrame(evt Event, degraded bool) ([]byte, error) {
	header, err := json.Marshal(wireEvent{Event: evt, Degraded: degraded})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(header)+len(evt.Audio))
	binary.LittleEndian.PutUint32(frame, uint32(len(header)))
	copy(frame[4:], header)
	copy(frame[4+len(header):], evt.Audio)
	return frame, nil
}

// DecodeFrame splits a frame produced by EncodeFrame.
func DecodeFrame(frame []byte) (Event, bool, error) {
	if len(frame) < 4 {
		return Event{}, false, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	n := int(binary.LittleEndian.Uint32(frame))
	if n > len(frame)-4 {
		return Event{}, false, fmt.Errorf("frame header length %d exceeds frame", n)
	}
	var wire wireEvent
	if err := json.Unmarshal(frame[4:4+n], &wire); err != nil {
		return Event{}, false, fmt.Errorf("decode frame header: %w", err)
	}
	evt := wire.Event
	evt.Audio = append([]byte(nil), frame[4+n:]...)
	return evt, wire.Degraded, nil
}
