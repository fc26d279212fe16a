package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/registry"
	"github.com/jmallet/pulse/internal/wire"
)

// maxFrameBytes bounds one inbound frame body.
const maxFrameBytes = 4 * 1024

// Streamer is the slice of the connection registry the stream endpoints use.
type Streamer interface {
	Connect(ctx context.Context, conn registry.Conn, token string) (string, error)
	Disconnect(sessionID, reason string)
	HandleInboundFrame(sessionID string, raw []byte)
}

// StreamHandler serves the live event stream over SSE. Outbound
// envelopes flow on the stream response; inbound frames arrive on a
// companion POST endpoint keyed by session id.
type StreamHandler struct {
	streamer Streamer
	logger   *zap.Logger
}

func NewStreamHandler(streamer Streamer, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{streamer: streamer, logger: logger}
}

// sseConn adapts one SSE response to the registry connection contract.
// The registry writes envelopes from several goroutines; the mutex
// serializes writes to the response.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	closed    chan struct{}
	closeOnce sync.Once
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{
		w:       w,
		flusher: flusher,
		closed:  make(chan struct{}),
	}
}

func (c *sseConn) WriteEnvelope(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Stream handles GET /v1/stream. The handshake token comes from the
// Authorization header or a token query parameter. The response blocks
// for the lifetime of the session.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeStreamError(w, http.StatusUnauthorized, "unauthorized", "Missing handshake token")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := newSSEConn(w, flusher)

	sessionID, err := h.streamer.Connect(r.Context(), conn, token)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAuthentication):
			writeStreamError(w, http.StatusUnauthorized, "unauthorized", "Handshake token rejected")
		case errors.Is(err, registry.ErrConnectionLimit):
			writeStreamError(w, http.StatusTooManyRequests, "connection_limit", "Connection quota exhausted")
		default:
			h.logger.Error("stream connect failed", zap.Error(err))
			writeStreamError(w, http.StatusInternalServerError, "connect_failed", "Could not establish stream")
		}
		return
	}

	h.logger.Info("stream established", zap.String("session_id", sessionID))

	select {
	case <-r.Context().Done():
		h.streamer.Disconnect(sessionID, "client disconnected")
	case <-conn.closed:
		// Registry tore the session down (heartbeat timeout, send failure).
	}
}

// Frames handles POST /v1/stream/{session_id}/frames. The body is one
// raw frame; parse failures and unknown types are resolved by the
// registry, so the endpoint always accepts well-delivered bodies.
func (h *StreamHandler) Frames(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		writeStreamError(w, http.StatusBadRequest, "invalid_request", "Missing session id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		writeStreamError(w, http.StatusRequestEntityTooLarge, "frame_too_large", "Frame exceeds size limit")
		return
	}

	h.streamer.HandleInboundFrame(sessionID, body)
	w.WriteHeader(http.StatusAccepted)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

func writeStreamError(w http.ResponseWriter, status int, errType, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
	})
}
