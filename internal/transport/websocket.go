package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/logging"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent connection is kept before the read
	// deadline kills it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 45 * time.Second
	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 256
)

// ErrSendBufferFull is returned when a client drains too slowly and its
// outbound queue is at capacity.
var ErrSendBufferFull = errors.New("websocket send buffer full")

// WebSocket serves the message-framed WebSocket endpoint at <prefix>/ws.
type WebSocket struct {
	hub *hub.Hub
	log zerolog.Logger
}

func NewWebSocket(h *hub.Hub, log zerolog.Logger) *WebSocket {
	return &WebSocket{hub: h, log: log.With().Str("transport", "websocket").Logger()}
}

func (t *WebSocket) Name() string { return "websocket" }

func (t *WebSocket) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/ws", t.handleUpgrade)
}

// wsClient is one upgraded connection: the raw conn, its outbound queue and
// the hub-side protocol state machine.
type wsClient struct {
	raw       netConn
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// netConn is the slice of net.Conn the pumps need; keeps the client testable.
type netConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func newWSClient(conn netConn) *wsClient {
	return &wsClient{
		raw:    conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.raw.Close()
	})
}

// enqueue queues one outbound frame without blocking the caller.
func (c *wsClient) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// wsSender adapts the client's outbound queue to the delivery path.
type wsSender struct {
	client *wsClient
}

func (s *wsSender) SendSignal(d *protocol.SignalDelivery) error {
	data, err := signalNotification(d)
	if err != nil {
		return err
	}
	return s.client.enqueue(data)
}

func (s *wsSender) IsConnected() bool {
	select {
	case <-s.client.closed:
		return false
	default:
		return true
	}
}

func (t *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	creds := credsFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.WithLabelValues("websocket").Inc()
		t.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := newWSClient(conn)
	sender := &wsSender{client: client}
	protoConn := t.hub.NewConn("websocket", creds, sender)

	metrics.ConnectionsTotal.WithLabelValues("websocket").Inc()
	metrics.ConnectionsActive.WithLabelValues("websocket").Inc()
	t.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")

	go t.writePump(client)
	go t.readPump(r.Context(), client, protoConn)
}

// readPump reads inbound frames and feeds them through the protocol state
// machine until the connection dies.
func (t *WebSocket) readPump(ctx context.Context, c *wsClient, protoConn *hub.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(t.log, r, "Read pump panicked")
		}
		protoConn.Disconnected()
		c.close()
		metrics.ConnectionsActive.WithLabelValues("websocket").Dec()
	}()

	_ = c.raw.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			return
		}
		_ = c.raw.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			resp, closeAfter := protoConn.Handle(ctx, msg)
			if resp != nil {
				data, err := resp.Encode()
				if err != nil {
					t.log.Error().Err(err).Msg("Response encode failed")
					continue
				}
				if err := c.enqueue(data); err != nil {
					t.log.Debug().Err(err).Msg("Response dropped, client not draining")
					return
				}
			}
			if closeAfter {
				// let the write pump flush the response first
				time.Sleep(50 * time.Millisecond)
				return
			}
		case ws.OpClose:
			return
		case ws.OpPong:
			// read deadline already extended above
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings.
func (t *WebSocket) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.raw, ws.OpText, data); err != nil {
				t.log.Debug().Err(err).Int("message_size", len(data)).Msg("Frame write failed")
				return
			}
		case <-ticker.C:
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.raw, ws.OpPing, nil); err != nil {
				t.log.Debug().Err(err).Msg("Ping write failed")
				return
			}
		}
	}
}
