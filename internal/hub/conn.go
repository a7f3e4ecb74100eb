package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/session"
)

// ConnState is the connection lifecycle.
type ConnState int

const (
	// StateGreeting: connected, waiting for cauce.hello.
	StateGreeting ConnState = iota
	// StateReady: session established, full method surface available.
	StateReady
	// StateClosing: goodbye exchanged, no further requests accepted.
	StateClosing
	// StateClosed: transport gone.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the per-connection protocol state machine for message-framed
// transports. The transport feeds it inbound frames; it returns the response
// frame (nil for notifications) and whether the transport should close.
type Conn struct {
	hub       *Hub
	transport string
	creds     auth.Credentials
	sender    session.SignalSender
	log       zerolog.Logger

	mu        sync.Mutex
	state     ConnState
	sessionID string
	authFails int
}

// NewConn creates a connection in the greeting state. creds carries
// transport-level credentials (TLS peer certificate, header tokens); hello
// params may supply the rest.
func (h *Hub) NewConn(transport string, creds auth.Credentials, sender session.SignalSender) *Conn {
	return &Conn{
		hub:       h,
		transport: transport,
		creds:     creds,
		sender:    sender,
		log:       h.log.With().Str("transport", transport).Logger(),
		state:     StateGreeting,
	}
}

// NewSessionConn returns a connection already bound to an established
// session. Request-scoped HTTP transports build one per request.
func (h *Hub) NewSessionConn(transport, sessionID string) *Conn {
	c := h.NewConn(transport, auth.Credentials{}, nil)
	c.state = StateReady
	c.sessionID = sessionID
	return c
}

// SessionID returns the session bound at hello, or "".
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnected marks the transport gone. The session lingers until its TTL so
// the client can reconnect and re-attach; only its sender is detached.
func (c *Conn) Disconnected() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.state = StateClosed
	c.mu.Unlock()
	if sessionID != "" {
		c.hub.sessions.DetachSender(sessionID)
	}
}

// Handle processes one inbound frame. The returned message is nil when no
// response is due (notifications); closeAfter tells the transport to close
// once any response has been flushed.
func (c *Conn) Handle(ctx context.Context, data []byte) (resp *protocol.Message, closeAfter bool) {
	msg, err := protocol.Parse(data)
	if err != nil {
		rpcErr, ok := err.(*protocol.Error)
		if !ok {
			rpcErr = protocol.NewRPCError(protocol.CodeInternalError, "internal error")
		}
		return protocol.NewError(nil, rpcErr), false
	}

	switch msg.Kind() {
	case protocol.KindNotification:
		c.handleNotification(msg)
		return nil, false
	case protocol.KindResponse:
		// Client responses to hub-initiated requests (none currently); drop.
		return nil, false
	}

	start := time.Now()
	resp, closeAfter = c.handleRequest(ctx, msg)
	metrics.MethodDuration.WithLabelValues(msg.Method).Observe(time.Since(start).Seconds())
	return resp, closeAfter
}

func (c *Conn) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodPong:
		if id := c.SessionID(); id != "" {
			_ = c.hub.sessions.Touch(id)
		}
	case protocol.MethodGoodbye:
		c.goodbye()
	default:
		c.log.Debug().Str("method", msg.Method).Msg("Ignoring unknown notification")
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, bool) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateClosing || state == StateClosed {
		return respErr(msg, protocol.NewRPCError(protocol.CodeInvalidRequest, "connection is closing")), true
	}

	if msg.Method == protocol.MethodHello {
		return c.handleHello(ctx, msg)
	}
	// Every other method requires an established session.
	if state != StateReady {
		return respErr(msg, protocol.NewRPCError(protocol.CodeSessionNotFound,
			"cauce.hello must precede "+msg.Method)), false
	}
	sessionID := c.SessionID()

	switch msg.Method {
	case protocol.MethodPing:
		return respOK(msg, c.hub.Ping(sessionID)), false

	case protocol.MethodGoodbye:
		c.goodbye()
		return respOK(msg, map[string]bool{"ok": true}), true

	case protocol.MethodSchemasList:
		return respOK(msg, c.hub.SchemasList()), false

	case protocol.MethodSubscribe:
		params := &protocol.SubscribeParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		result, rpcErr := c.hub.Subscribe(sessionID, params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodSubscriptionRequest:
		// Same as subscribe, but always lands pending for user approval.
		params := &protocol.SubscribeParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		params.ApprovalType = "user_approved"
		result, rpcErr := c.hub.Subscribe(sessionID, params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodUnsubscribe:
		params := &protocol.UnsubscribeParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		if rpcErr := c.hub.Unsubscribe(sessionID, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, map[string]bool{"ok": true}), false

	case protocol.MethodPublish:
		params := &protocol.PublishParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		result, rpcErr := c.hub.Publish(sessionID, params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodAck:
		params := &protocol.AckParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		result, rpcErr := c.hub.Ack(sessionID, params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodSubscriptionList:
		result, rpcErr := c.hub.SubscriptionList(sessionID)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodSubscriptionApprove:
		params := &protocol.SubscriptionActionParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		result, rpcErr := c.hub.SubscriptionApprove(sessionID, params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	case protocol.MethodSubscriptionDeny:
		params := &protocol.SubscriptionActionParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		if rpcErr := c.hub.SubscriptionDeny(sessionID, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, map[string]bool{"ok": true}), false

	case protocol.MethodSubscriptionRevoke:
		params := &protocol.SubscriptionActionParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		if rpcErr := c.hub.SubscriptionRevoke(sessionID, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, map[string]bool{"ok": true}), false

	case protocol.MethodSchemasGet:
		params := &protocol.SchemasGetParams{}
		if rpcErr := decodeParams(msg, params); rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		result, rpcErr := c.hub.SchemasGet(params)
		if rpcErr != nil {
			return respErr(msg, rpcErr), false
		}
		return respOK(msg, result), false

	default:
		return respErr(msg, protocol.Errorf(protocol.CodeMethodNotFound, "unknown method %q", msg.Method)), false
	}
}

func (c *Conn) handleHello(ctx context.Context, msg *protocol.Message) (*protocol.Message, bool) {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return respErr(msg, protocol.NewRPCError(protocol.CodeInvalidRequest, "session already established")), false
	}
	c.mu.Unlock()

	params := &protocol.HelloParams{}
	if rpcErr := decodeParams(msg, params); rpcErr != nil {
		return respErr(msg, rpcErr), false
	}

	creds := c.creds
	if params.Credentials.BearerToken != "" {
		creds.BearerToken = params.Credentials.BearerToken
	}
	if params.Credentials.APIKey != "" {
		creds.APIKey = params.Credentials.APIKey
	}

	result, rpcErr := c.hub.Hello(ctx, c.transport, params, creds)
	if rpcErr != nil {
		closeAfter := false
		if rpcErr.Code == protocol.CodeAuthFailed {
			c.mu.Lock()
			c.authFails++
			closeAfter = c.authFails >= c.hub.cfg.MaxAuthFails
			c.mu.Unlock()
		}
		return respErr(msg, rpcErr), closeAfter
	}

	c.mu.Lock()
	c.state = StateReady
	c.sessionID = result.SessionID
	c.authFails = 0
	c.mu.Unlock()

	if c.sender != nil {
		_ = c.hub.sessions.AttachSender(result.SessionID, c.sender)
	}
	return respOK(msg, result), false
}

func (c *Conn) goodbye() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		c.hub.Goodbye(sessionID)
	}
}

func decodeParams(msg *protocol.Message, into any) *protocol.Error {
	if len(msg.Params) == 0 {
		return protocol.NewRPCError(protocol.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(msg.Params, into); err != nil {
		return protocol.Errorf(protocol.CodeInvalidParams, "malformed params: %v", err)
	}
	return nil
}

func respOK(msg *protocol.Message, result any) *protocol.Message {
	resp, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		return protocol.NewError(msg.ID, protocol.NewRPCError(protocol.CodeInternalError, "result marshal failed"))
	}
	return resp
}

func respErr(msg *protocol.Message, rpcErr *protocol.Error) *protocol.Message {
	return protocol.NewError(msg.ID, rpcErr)
}
