// Package hub wires the Cauce components together and implements the
// JSON-RPC method surface shared by every transport.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/config"
	"github.com/cauce-dev/cauce-hub/internal/delivery"
	"github.com/cauce-dev/cauce-hub/internal/limits"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/router"
	"github.com/cauce-dev/cauce-hub/internal/session"
	"github.com/cauce-dev/cauce-hub/internal/subscription"
)

// ServerVersion is reported in hello responses.
const ServerVersion = "cauce-hub/1.0.0"

// WebhookSenderFactory builds an outbound push handle for a webhook
// subscription. Installed by the server wiring so the hub stays transport
// agnostic.
type WebhookSenderFactory func(cfg *protocol.WebhookConfig) session.SignalSender

// Hub owns the domain components and exposes the protocol operations.
type Hub struct {
	cfg *config.Config
	log zerolog.Logger

	validator auth.Validator
	sessions  *session.Manager
	subs      *subscription.Manager
	tracker   *delivery.Tracker
	router    *router.Router
	scheduler *delivery.Scheduler
	schemas   *SchemaRegistry

	publishLimiter *limits.RateLimiter
	methodLimiter  *limits.RateLimiter

	webhookFactory WebhookSenderFactory
}

// New assembles a hub from config. The validator may be nil, in which case
// every client is admitted as anonymous.
func New(cfg *config.Config, validator auth.Validator, log zerolog.Logger) *Hub {
	if validator == nil {
		validator = auth.AllowAll{}
	}
	subs := subscription.NewManager(subscription.Limits{
		MaxSubscriptionsPerClient: cfg.MaxSubscriptionsPerClient,
		MaxTopicsPerSubscription:  cfg.MaxTopicsPerSubscription,
	}, log)

	h := &Hub{
		cfg:       cfg,
		log:       log.With().Str("component", "hub").Logger(),
		validator: validator,
		sessions:  session.NewManager(cfg.SessionTTL, log),
		subs:      subs,
		schemas:   NewSchemaRegistry(),

		publishLimiter: limits.NewRateLimiter(cfg.PublishRate, cfg.PublishBurst, log),
		methodLimiter:  limits.NewRateLimiter(cfg.MethodRate, cfg.MethodBurst, log),
	}
	h.tracker = delivery.NewTracker(delivery.Config{
		InitialDelay:              cfg.RedeliveryInitialDelay,
		MaxDelay:                  cfg.RedeliveryMaxDelay,
		Multiplier:                cfg.RedeliveryMultiplier,
		MaxAttempts:               cfg.RedeliveryMaxAttempts,
		Jitter:                    cfg.RedeliveryJitter,
		MaxPendingPerSubscription: cfg.MaxPendingPerSub,
		OverflowPolicy:            cfg.PendingOverflowPolicy,
		DeadLetterRetention:       cfg.DeadLetterRetention,
	}, subs, log)
	h.router = router.New(subs, log)
	h.scheduler = delivery.NewScheduler(delivery.SchedulerConfig{
		Enabled: cfg.RedeliveryEnabled,
		Tick:    cfg.RedeliveryTick,
	}, h.tracker, h, h.onDeadLetter, log)
	return h
}

// SetWebhookFactory installs the webhook sender constructor.
func (h *Hub) SetWebhookFactory(f WebhookSenderFactory) { h.webhookFactory = f }

// Sessions exposes the session table to transports.
func (h *Hub) Sessions() *session.Manager { return h.sessions }

// Subscriptions exposes the subscription manager.
func (h *Hub) Subscriptions() *subscription.Manager { return h.subs }

// Tracker exposes delivery state, used by the polling transport and tests.
func (h *Hub) Tracker() *delivery.Tracker { return h.tracker }

// SenderForSubscription resolves the live handle for a subscription: the
// webhook target when one is configured, otherwise the owning session's
// attached transport.
func (h *Hub) SenderForSubscription(subscriptionID string) session.SignalSender {
	sub, err := h.subs.Get(subscriptionID)
	if err != nil {
		return nil
	}
	if sub.Webhook != nil && h.webhookFactory != nil {
		return h.webhookFactory(sub.Webhook)
	}
	return h.sessions.Sender(sub.SessionID)
}

// Run starts the redelivery scheduler and the periodic sweeps, blocking until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.publishLimiter.RunSweeper(ctx, h.cfg.SweepInterval)
	go h.methodLimiter.RunSweeper(ctx, h.cfg.SweepInterval)
	go h.runSweeper(ctx)
	h.scheduler.Run(ctx)
}

func (h *Hub) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep expires sessions and subscriptions and drops stale delivery state.
// Subscriptions bound to an expired session are revoked so redelivery stops
// targeting handles that can never come back.
func (h *Hub) sweep() {
	for _, sessionID := range h.sessions.CleanupExpired() {
		h.subs.RevokeForSession(sessionID, "session expired")
	}
	h.subs.CleanupExpired()
	h.tracker.Cleanup()

	metrics.SessionsActive.Set(float64(h.sessions.Count()))
	metrics.SubscriptionsActive.Set(float64(h.subs.Count()))
	metrics.DeliveriesPending.Set(float64(h.tracker.PendingCount()))
}

// Shutdown drops all sessions. Transports close their own connections.
func (h *Hub) Shutdown() {
	h.sessions.CloseAll()
}

// onDeadLetter republishes an exhausted delivery onto the dead-letter topic
// so operators can subscribe to failures. Dead letters of the dead-letter
// topic itself are only logged, never republished.
func (h *Hub) onDeadLetter(dl *delivery.DeadLetter) {
	metrics.DeadLettersTotal.Inc()
	if dl.Delivery.Topic == h.cfg.DeadLetterTopicTemplate {
		return
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		h.log.Error().Err(err).Msg("Dead letter marshal failed")
		return
	}
	notice := &protocol.Signal{
		ID:        protocol.NewSignalID(),
		Version:   protocol.ProtocolVersion,
		Timestamp: time.Now(),
		Source:    protocol.Source{Type: "hub", AdapterID: "cauce-hub"},
		Topic:     h.cfg.DeadLetterTopicTemplate,
		Payload: protocol.Payload{
			Raw:         raw,
			ContentType: "application/json",
			SizeBytes:   int64(len(raw)),
		},
	}
	h.fanOut(&protocol.PublishParams{Topic: notice.Topic, Signal: notice})
}

// fanOut routes a validated publish, tracks each delivery and pushes it to
// whatever handle is currently live. Returns the routed signal id and the
// recipient count.
func (h *Hub) fanOut(params *protocol.PublishParams) (string, int, error) {
	deliveries, err := h.router.Route(params)
	if err != nil {
		return "", 0, err
	}
	for _, d := range deliveries {
		if err := h.tracker.Track(d.Subscription.ID, d.Delivery); err != nil {
			h.log.Warn().Err(err).
				Str("subscription_id", d.Subscription.ID).
				Str("signal_id", d.Delivery.Signal.ID).
				Msg("Delivery not tracked")
			continue
		}
		if sender := h.SenderForSubscription(d.Subscription.ID); sender != nil && sender.IsConnected() {
			if err := sender.SendSignal(d.Delivery); err != nil {
				h.log.Debug().Err(err).
					Str("subscription_id", d.Subscription.ID).
					Msg("Initial delivery send failed, redelivery will retry")
			} else {
				metrics.DeliveriesSent.WithLabelValues("first").Inc()
			}
		}
	}
	metrics.PublishesTotal.Inc()
	return params.Signal.ID, len(deliveries), nil
}

// IngestSignal publishes a backend-produced signal without a client session.
// The NATS bridge feeds signals through here; payload and topic validation
// still apply, rate limits do not.
func (h *Hub) IngestSignal(topic string, signal *protocol.Signal) (int, error) {
	_, recipients, err := h.fanOut(&protocol.PublishParams{Topic: topic, Signal: signal})
	return recipients, err
}

// Hello authenticates the client and opens a session.
func (h *Hub) Hello(ctx context.Context, transport string, params *protocol.HelloParams, creds auth.Credentials) (*protocol.HelloResponse, *protocol.Error) {
	if params.ProtocolVersion != protocol.ProtocolVersion {
		return nil, protocol.Errorf(protocol.CodeIncompatibleVersion,
			"protocol version %q not supported, hub speaks %s", params.ProtocolVersion, protocol.ProtocolVersion).
			WithData("supported_versions", []string{protocol.ProtocolVersion})
	}
	if params.ClientID == "" {
		return nil, protocol.NewRPCError(protocol.CodeInvalidParams, "client_id is required")
	}
	switch params.ClientType {
	case protocol.ClientTypeAdapter, protocol.ClientTypeAgent, protocol.ClientTypeA2AAgent:
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "unknown client_type %q", params.ClientType)
	}

	if h.cfg.MaxConnections > 0 && h.sessions.Count() >= h.cfg.MaxConnections {
		metrics.ConnectionsFailed.WithLabelValues(transport).Inc()
		h.log.Warn().Str("client_id", params.ClientID).Int("max", h.cfg.MaxConnections).
			Msg("Connection limit reached, hello refused")
		return nil, protocol.NewRPCError(protocol.CodeLimitExceeded, "connection limit reached")
	}

	info, err := h.validator.Validate(ctx, creds)
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		h.log.Warn().Str("client_id", params.ClientID).Msg("Authentication failed")
		return nil, protocol.NewRPCError(protocol.CodeAuthFailed, "authentication failed")
	}

	sess, err := h.sessions.Create(session.NewSession{
		ClientID:        params.ClientID,
		ClientType:      params.ClientType,
		ProtocolVersion: params.ProtocolVersion,
		Transport:       transport,
		Auth:            info,
	})
	if err != nil {
		return nil, protocol.NewRPCError(protocol.CodeInternalError, "session creation failed")
	}

	metrics.SessionsActive.Set(float64(h.sessions.Count()))
	expires := sess.ExpiresAt
	return &protocol.HelloResponse{
		SessionID:        sess.ID,
		ServerVersion:    ServerVersion,
		ProtocolVersion:  protocol.ProtocolVersion,
		Capabilities:     info.Capabilities,
		SessionExpiresAt: &expires,
	}, nil
}

// Goodbye closes a session; its subscriptions are revoked and their delivery
// state dropped.
func (h *Hub) Goodbye(sessionID string) {
	for _, sub := range h.subsForSession(sessionID) {
		h.tracker.RemoveSubscription(sub.ID)
	}
	h.subs.RevokeForSession(sessionID, "client said goodbye")
	h.sessions.Remove(sessionID)
}

func (h *Hub) subsForSession(sessionID string) []*subscription.Subscription {
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	var out []*subscription.Subscription
	for _, sub := range h.subs.GetForClient(sess.ClientID) {
		if sub.SessionID == sessionID {
			out = append(out, sub)
		}
	}
	return out
}

// requireSession resolves and touches the session.
func (h *Hub) requireSession(sessionID string) (*session.Info, *protocol.Error) {
	sess, err := h.sessions.Get(sessionID)
	switch {
	case errors.Is(err, session.ErrExpired):
		return nil, protocol.NewRPCError(protocol.CodeSessionExpired, "session expired")
	case err != nil:
		return nil, protocol.NewRPCError(protocol.CodeSessionNotFound, "session not found")
	}
	_ = h.sessions.Touch(sessionID)
	return sess, nil
}

func (h *Hub) checkMethodRate(principal string) *protocol.Error {
	ok, retry := h.methodLimiter.Allow(principal)
	if ok {
		return nil
	}
	metrics.RateLimitedTotal.Inc()
	return protocol.RateLimitedError(retry.Milliseconds())
}

// Subscribe creates a subscription for the session's client.
func (h *Hub) Subscribe(sessionID string, params *protocol.SubscribeParams) (*protocol.SubscribeResponse, *protocol.Error) {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !sess.Auth.Can(auth.CapSubscribe) {
		return nil, protocol.NewRPCError(protocol.CodeForbidden, "missing subscribe capability")
	}
	if rpcErr := h.checkMethodRate(sess.Auth.Principal); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Webhook != nil && h.webhookFactory == nil {
		return nil, protocol.NewRPCError(protocol.CodeInvalidParams, "webhook delivery is not enabled")
	}

	sub, err := h.subs.Subscribe(sess.ClientID, sessionID, subscription.Request{
		Patterns:     params.Patterns,
		Approval:     subscription.ApprovalType(params.ApprovalType),
		Transport:    params.Transport,
		Webhook:      params.Webhook,
		E2E:          params.E2E,
		ExpiresAt:    params.ExpiresAt,
		Restrictions: params.Restrictions,
	})
	if err != nil {
		return nil, subscriptionError(err)
	}
	metrics.SubscriptionsActive.Set(float64(h.subs.Count()))
	return &protocol.SubscribeResponse{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}, nil
}

// Unsubscribe removes one of the client's own subscriptions.
func (h *Hub) Unsubscribe(sessionID string, params *protocol.UnsubscribeParams) *protocol.Error {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return rpcErr
	}
	sub, err := h.subs.Get(params.SubscriptionID)
	if err != nil {
		return subscriptionError(err)
	}
	if sub.ClientID != sess.ClientID {
		return protocol.NewRPCError(protocol.CodeForbidden, "subscription belongs to another client")
	}
	if err := h.subs.Unsubscribe(params.SubscriptionID); err != nil {
		return subscriptionError(err)
	}
	h.tracker.RemoveSubscription(params.SubscriptionID)
	return nil
}

// Publish routes a signal to every matching active subscription.
func (h *Hub) Publish(sessionID string, params *protocol.PublishParams) (*protocol.PublishResponse, *protocol.Error) {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !sess.Auth.Can(auth.CapPublish) {
		return nil, protocol.NewRPCError(protocol.CodeForbidden, "missing publish capability")
	}
	ok, retry := h.publishLimiter.Allow(sess.Auth.Principal)
	if !ok {
		metrics.RateLimitedTotal.Inc()
		return nil, protocol.RateLimitedError(retry.Milliseconds())
	}
	if params.Signal != nil {
		size := params.Signal.Payload.SizeBytes
		if raw := int64(len(params.Signal.Payload.Raw)); raw > size {
			size = raw
		}
		if size > h.cfg.MaxPayloadBytes {
			return nil, protocol.Errorf(protocol.CodePayloadTooLarge,
				"payload of %d bytes exceeds limit", size).
				WithData("max_payload_bytes", h.cfg.MaxPayloadBytes)
		}
	}

	signalID, recipients, err := h.fanOut(params)
	if err != nil {
		if errors.Is(err, router.ErrActionNotRoutable) {
			return nil, protocol.NewRPCError(protocol.CodeInvalidParams,
				"actions are addressed to adapters, not published to topics")
		}
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "%v", err)
	}
	return &protocol.PublishResponse{SignalID: signalID, Recipients: recipients}, nil
}

// Ack acknowledges delivered signals for one of the client's subscriptions.
func (h *Hub) Ack(sessionID string, params *protocol.AckParams) (*protocol.AckResponse, *protocol.Error) {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sub, err := h.subs.Get(params.SubscriptionID)
	if err != nil {
		return nil, subscriptionError(err)
	}
	if sub.ClientID != sess.ClientID {
		return nil, protocol.NewRPCError(protocol.CodeForbidden, "subscription belongs to another client")
	}
	resp := h.tracker.Ack(params.SubscriptionID, params.SignalIDs)
	metrics.DeliveriesAcked.Add(float64(len(resp.Acknowledged)))
	return resp, nil
}

// Ping answers with a pong and refreshes the session when one is presented.
func (h *Hub) Ping(sessionID string) *protocol.PongResult {
	if sessionID != "" {
		_ = h.sessions.Touch(sessionID)
	}
	return &protocol.PongResult{Pong: true, Timestamp: time.Now().UnixMilli()}
}

// SubscriptionList returns the client's own subscriptions.
func (h *Hub) SubscriptionList(sessionID string) ([]*subscription.Subscription, *protocol.Error) {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return h.subs.GetForClient(sess.ClientID), nil
}

// SubscriptionApprove activates a pending subscription. Requires the
// subscription management capability.
func (h *Hub) SubscriptionApprove(sessionID string, params *protocol.SubscriptionActionParams) (*protocol.SubscribeResponse, *protocol.Error) {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !sess.Auth.Can(auth.CapManageSubscriptions) {
		return nil, protocol.NewRPCError(protocol.CodeForbidden, "missing subscription management capability")
	}
	sub, err := h.subs.Approve(params.SubscriptionID, params.Restrictions)
	if err != nil {
		return nil, subscriptionError(err)
	}
	return &protocol.SubscribeResponse{SubscriptionID: sub.ID, Status: string(sub.Status)}, nil
}

// SubscriptionDeny rejects a pending subscription.
func (h *Hub) SubscriptionDeny(sessionID string, params *protocol.SubscriptionActionParams) *protocol.Error {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return rpcErr
	}
	if !sess.Auth.Can(auth.CapManageSubscriptions) {
		return protocol.NewRPCError(protocol.CodeForbidden, "missing subscription management capability")
	}
	if err := h.subs.Deny(params.SubscriptionID, params.Reason); err != nil {
		return subscriptionError(err)
	}
	return nil
}

// SubscriptionRevoke revokes an active or pending subscription and drops its
// delivery state.
func (h *Hub) SubscriptionRevoke(sessionID string, params *protocol.SubscriptionActionParams) *protocol.Error {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return rpcErr
	}
	if !sess.Auth.Can(auth.CapManageSubscriptions) {
		return protocol.NewRPCError(protocol.CodeForbidden, "missing subscription management capability")
	}
	if err := h.subs.Revoke(params.SubscriptionID, params.Reason); err != nil {
		return subscriptionError(err)
	}
	h.tracker.RemoveSubscription(params.SubscriptionID)
	return nil
}

// AttachSubscription re-binds a surviving subscription to a fresh session
// after a reconnect.
func (h *Hub) AttachSubscription(sessionID, subscriptionID string) *protocol.Error {
	sess, rpcErr := h.requireSession(sessionID)
	if rpcErr != nil {
		return rpcErr
	}
	sub, err := h.subs.Get(subscriptionID)
	if err != nil {
		return subscriptionError(err)
	}
	if sub.ClientID != sess.ClientID {
		return protocol.NewRPCError(protocol.CodeForbidden, "subscription belongs to another client")
	}
	if err := h.subs.AttachSession(subscriptionID, sessionID); err != nil {
		return subscriptionError(err)
	}
	return nil
}

// SchemasList returns the schema catalog.
func (h *Hub) SchemasList() []protocol.SchemaInfo {
	return h.schemas.List()
}

// SchemasGet fetches one schema document by name.
func (h *Hub) SchemasGet(params *protocol.SchemasGetParams) (*protocol.SchemaDocument, *protocol.Error) {
	doc, ok := h.schemas.Get(params.Name)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown schema %q", params.Name)
	}
	return doc, nil
}

// subscriptionError maps manager sentinels onto protocol error codes.
func subscriptionError(err error) *protocol.Error {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return protocol.NewRPCError(protocol.CodeNotFound, "subscription not found")
	case errors.Is(err, subscription.ErrInvalidState):
		return protocol.Errorf(protocol.CodeInvalidSubscriptionState, "%v", err)
	case errors.Is(err, subscription.ErrInvalidPattern):
		return protocol.Errorf(protocol.CodeInvalidTopicPattern, "%v", err)
	case errors.Is(err, subscription.ErrLimitExceeded):
		return protocol.Errorf(protocol.CodeLimitExceeded, "%v", err)
	default:
		return protocol.NewRPCError(protocol.CodeInternalError, "internal error")
	}
}
