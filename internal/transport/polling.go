package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/delivery"
	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

const (
	defaultPollMax   = 100
	longPollInterval = 250 * time.Millisecond
)

// Polling serves the HTTP request/response transport for clients that cannot
// hold a push connection: hello to open a session, poll or long-poll to fetch
// deliveries, ack to acknowledge them. SSE clients share the hello and ack
// endpoints.
type Polling struct {
	hub             *hub.Hub
	longPollTimeout time.Duration
	log             zerolog.Logger
}

func NewPolling(h *hub.Hub, longPollTimeout time.Duration, log zerolog.Logger) *Polling {
	if longPollTimeout <= 0 {
		longPollTimeout = 30 * time.Second
	}
	return &Polling{
		hub:             h,
		longPollTimeout: longPollTimeout,
		log:             log.With().Str("transport", "polling").Logger(),
	}
}

func (t *Polling) Name() string { return "polling" }

func (t *Polling) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/hello", t.handleHello)
	mux.HandleFunc(prefix+"/poll", t.handlePoll)
	mux.HandleFunc(prefix+"/long-poll", t.handleLongPoll)
	mux.HandleFunc(prefix+"/ack", t.handleAck)
	mux.HandleFunc(prefix+"/goodbye", t.handleGoodbye)
	mux.HandleFunc(prefix+"/rpc", t.handleRPC)
}

// handleRPC accepts one JSON-RPC frame per request, giving polling and SSE
// clients the full method surface. An established session is presented in the
// X-Cauce-Session header; without one only cauce.hello is accepted.
func (t *Polling) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeRPCError(w, protocol.Errorf(protocol.CodeParseError, "unreadable body: %v", err))
		return
	}

	var conn *hub.Conn
	if sessionID := r.Header.Get("X-Cauce-Session"); sessionID != "" {
		if !t.hub.Sessions().IsValid(sessionID) {
			writeRPCError(w, protocol.NewRPCError(protocol.CodeSessionNotFound, "unknown or expired session"))
			return
		}
		conn = t.hub.NewSessionConn("polling", sessionID)
	} else {
		conn = t.hub.NewConn("polling", credsFromRequest(r), nil)
	}

	resp, _ := conn.Handle(r.Context(), data)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *Polling) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := &protocol.HelloParams{}
	if !decodeBody(w, r, params) {
		return
	}
	result, rpcErr := t.hub.Hello(r.Context(), "polling", params, credsFromRequest(r))
	if rpcErr != nil {
		writeRPCError(w, rpcErr)
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("polling").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (t *Polling) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := &protocol.PollParams{}
	if !decodeBody(w, r, params) {
		return
	}
	resp, rpcErr := t.collect(params)
	if rpcErr != nil {
		writeRPCError(w, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLongPoll blocks until a delivery is pending, the timeout elapses or
// the client goes away.
func (t *Polling) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := &protocol.PollParams{}
	if !decodeBody(w, r, params) {
		return
	}

	deadline := time.NewTimer(t.longPollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(longPollInterval)
	defer ticker.Stop()

	for {
		resp, rpcErr := t.collect(params)
		if rpcErr != nil {
			writeRPCError(w, rpcErr)
			return
		}
		if len(resp.Deliveries) > 0 {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeJSON(w, http.StatusOK, resp)
			return
		case <-ticker.C:
		}
	}
}

// collect drains up to max pending deliveries across the session's
// subscriptions, oldest first. A since cursor (RFC3339, as returned in the
// previous batch's cursor field) skips deliveries already seen; unacked
// signals reappear once the cursor is dropped.
func (t *Polling) collect(params *protocol.PollParams) (*protocol.PollResponse, *protocol.Error) {
	sess, err := t.hub.Sessions().Get(params.Session)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.CodeSessionNotFound, "unknown or expired session")
	}
	_ = t.hub.Sessions().Touch(params.Session)

	var since time.Time
	if params.Since != "" {
		since, err = time.Parse(time.RFC3339Nano, params.Since)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "malformed since cursor: %v", err)
		}
	}

	max := params.Max
	if max <= 0 {
		max = defaultPollMax
	}

	var pending []*delivery.PendingDelivery
	for _, sub := range t.hub.Subscriptions().GetForClient(sess.ClientID) {
		if sub.SessionID != params.Session {
			continue
		}
		for _, p := range t.hub.Tracker().GetPending(sub.ID) {
			if !since.IsZero() && !p.FirstAttempt.After(since) {
				continue
			}
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].FirstAttempt.Before(pending[j].FirstAttempt)
	})

	more := len(pending) > max
	if more {
		pending = pending[:max]
	}
	resp := &protocol.PollResponse{
		Deliveries: make([]protocol.PolledDelivery, 0, len(pending)),
		More:       more,
	}
	for _, p := range pending {
		resp.Deliveries = append(resp.Deliveries, protocol.PolledDelivery{
			SubscriptionID: p.SubscriptionID,
			Delivery:       p.Delivery,
		})
	}
	if len(pending) > 0 {
		resp.Cursor = pending[len(pending)-1].FirstAttempt.Format(time.RFC3339Nano)
	}
	return resp, nil
}

func (t *Polling) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := &protocol.HTTPAckParams{}
	if !decodeBody(w, r, params) {
		return
	}
	resp, rpcErr := t.hub.Ack(params.Session, &protocol.AckParams{
		SubscriptionID: params.SubscriptionID,
		SignalIDs:      params.SignalIDs,
	})
	if rpcErr != nil {
		writeRPCError(w, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *Polling) handleGoodbye(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var params struct {
		Session string `json:"session"`
	}
	if !decodeBody(w, r, &params) {
		return
	}
	t.hub.Goodbye(params.Session)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 4<<20))
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeRPCError(w, protocol.Errorf(protocol.CodeParseError, "malformed body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRPCError maps protocol error codes onto HTTP statuses while keeping
// the JSON-RPC error object as the body.
func writeRPCError(w http.ResponseWriter, rpcErr *protocol.Error) {
	status := http.StatusBadRequest
	switch rpcErr.Code {
	case protocol.CodeAuthFailed, protocol.CodeSessionNotFound, protocol.CodeSessionExpired:
		status = http.StatusUnauthorized
	case protocol.CodeForbidden:
		status = http.StatusForbidden
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	case protocol.CodePayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case protocol.CodeInternalError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]*protocol.Error{"error": rpcErr})
}
