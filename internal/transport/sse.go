package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

const (
	// sseKeepalive is the comment-frame interval that defeats idle proxy
	// timeouts.
	sseKeepalive = 15 * time.Second
	sseBuffer    = 256
)

// SSE streams signal deliveries over Server-Sent Events at <prefix>/sse.
// Clients establish a session over the HTTP hello endpoint first and present
// its id as the session query parameter; acknowledgments travel over the
// HTTP ack endpoint.
type SSE struct {
	hub *hub.Hub
	log zerolog.Logger
}

func NewSSE(h *hub.Hub, log zerolog.Logger) *SSE {
	return &SSE{hub: h, log: log.With().Str("transport", "sse").Logger()}
}

func (t *SSE) Name() string { return "sse" }

func (t *SSE) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/sse", t.handleStream)
}

// sseSender queues deliveries for the streaming loop.
type sseSender struct {
	ch     chan *protocol.SignalDelivery
	closed chan struct{}
}

func (s *sseSender) SendSignal(d *protocol.SignalDelivery) error {
	select {
	case <-s.closed:
		return errors.New("stream closed")
	case s.ch <- d:
		return nil
	default:
		return errors.New("sse buffer full")
	}
}

func (s *sseSender) IsConnected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (t *SSE) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}
	if _, err := t.hub.Sessions().Get(sessionID); err != nil {
		metrics.ConnectionsFailed.WithLabelValues("sse").Inc()
		http.Error(w, "unknown or expired session", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sender := &sseSender{
		ch:     make(chan *protocol.SignalDelivery, sseBuffer),
		closed: make(chan struct{}),
	}
	if err := t.hub.Sessions().AttachSender(sessionID, sender); err != nil {
		http.Error(w, "unknown or expired session", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.ConnectionsTotal.WithLabelValues("sse").Inc()
	metrics.ConnectionsActive.WithLabelValues("sse").Inc()
	t.log.Debug().Str("session_id", sessionID).Msg("SSE stream opened")

	defer func() {
		close(sender.closed)
		t.hub.Sessions().DetachSender(sessionID)
		metrics.ConnectionsActive.WithLabelValues("sse").Dec()
		t.log.Debug().Str("session_id", sessionID).Msg("SSE stream closed")
	}()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case d := <-sender.ch:
			// the data field is the bare delivery, not a JSON-RPC frame
			data, err := json.Marshal(d)
			if err != nil {
				t.log.Error().Err(err).Msg("Delivery encode failed")
				continue
			}
			if _, err := w.Write([]byte("event: signal\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			_ = t.hub.Sessions().Touch(sessionID)
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
