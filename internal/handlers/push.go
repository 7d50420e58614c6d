package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"

	"nestsub/internal/dispatcher"
	"nestsub/internal/logger"
	"nestsub/internal/metrics"
)

// Dispatcher handles one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatcher.Message) error
}

// PushHandler receives Pub/Sub push deliveries and dispatches them
// synchronously. The response status settles the message: 204 acknowledges,
// anything else has the push service redeliver.
type PushHandler struct {
	dispatcher  Dispatcher
	maxBodySize int64

	received atomic.Uint64
	acked    atomic.Uint64
	rejected atomic.Uint64
}

// PushConfig holds configuration for the push handler
type PushConfig struct {
	Dispatcher  Dispatcher
	MaxBodySize int64
}

// NewPushHandler creates a new push handler
func NewPushHandler(cfg PushConfig) *PushHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB default
	}

	return &PushHandler{
		dispatcher:  cfg.Dispatcher,
		maxBodySize: maxBodySize,
	}
}

// PushRequest is the JSON wrapper the push service POSTs
type PushRequest struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage is the wrapped Pub/Sub message; Data is base64 on the wire
type PushMessage struct {
	Data        []byte            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ServeHTTP handles one push delivery
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid push request: "+err.Error())
		return
	}
	if len(req.Message.Data) == 0 {
		h.writeError(w, http.StatusBadRequest, "push message carries no data")
		return
	}

	h.received.Add(1)
	metrics.TransportReceivedTotal.WithLabelValues("push").Inc()

	log := logger.WithRequestID(r.Header.Get("X-Request-ID")).With().
		Str("component", "push_handler").
		Str("message_id", req.Message.MessageID).
		Str("subscription", req.Subscription).
		Logger()

	msg := &pushMessage{data: req.Message.Data}
	if err := h.dispatcher.Dispatch(r.Context(), msg); err != nil {
		h.rejected.Add(1)
		metrics.TransportNackedTotal.WithLabelValues("push").Inc()
		log.Warn().Err(err).Msg("push message rejected")
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !msg.acked.Load() {
		// Processed but left for redelivery.
		metrics.TransportNackedTotal.WithLabelValues("push").Inc()
		w.WriteHeader(http.StatusConflict)
		return
	}

	h.acked.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns push handler statistics
func (h *PushHandler) Stats() PushStats {
	return PushStats{
		Received: h.received.Load(),
		Acked:    h.acked.Load(),
		Rejected: h.rejected.Load(),
	}
}

// PushStats holds push handler counters
type PushStats struct {
	Received uint64 `json:"received"`
	Acked    uint64 `json:"acked"`
	Rejected uint64 `json:"rejected"`
}

type pushMessage struct {
	data  []byte
	acked atomic.Bool
}

func (m *pushMessage) Data() []byte { return m.data }
func (m *pushMessage) Ack()         { m.acked.Store(true) }

// writeError writes an error response
func (h *PushHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
