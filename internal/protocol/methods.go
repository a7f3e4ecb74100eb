package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the Cauce protocol version this hub speaks.
const ProtocolVersion = "1.0"

// Method names recognized by the hub.
const (
	MethodHello               = "cauce.hello"
	MethodGoodbye             = "cauce.goodbye"
	MethodSubscribe           = "cauce.subscribe"
	MethodUnsubscribe         = "cauce.unsubscribe"
	MethodPublish             = "cauce.publish"
	MethodAck                 = "cauce.ack"
	MethodPing                = "cauce.ping"
	MethodPong                = "cauce.pong"
	MethodSignal              = "cauce.signal"
	MethodSubscriptionList    = "cauce.subscription.list"
	MethodSubscriptionRequest = "cauce.subscription.request"
	MethodSubscriptionApprove = "cauce.subscription.approve"
	MethodSubscriptionDeny    = "cauce.subscription.deny"
	MethodSubscriptionRevoke  = "cauce.subscription.revoke"
	MethodSchemasList         = "cauce.schemas.list"
	MethodSchemasGet          = "cauce.schemas.get"
)

// Credentials carries whichever credential kinds the client presented.
type Credentials struct {
	BearerToken string `json:"bearer_token,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
}

// HelloParams opens a session.
type HelloParams struct {
	ProtocolVersion string      `json:"protocol_version"`
	ClientID        string      `json:"client_id"`
	ClientType      string      `json:"client_type"`
	Credentials     Credentials `json:"credentials,omitempty"`
}

// HelloResponse confirms session establishment.
type HelloResponse struct {
	SessionID        string     `json:"session_id"`
	ServerVersion    string     `json:"server_version"`
	ProtocolVersion  string     `json:"protocol_version"`
	Capabilities     []string   `json:"capabilities"`
	SessionExpiresAt *time.Time `json:"session_expires_at,omitempty"`
}

// WebhookConfig is the outbound delivery target for webhook subscriptions.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SubscribeParams creates a subscription over one or more patterns.
type SubscribeParams struct {
	Patterns     []string        `json:"patterns"`
	ApprovalType string          `json:"approval_type,omitempty"`
	Transport    string          `json:"transport,omitempty"`
	Webhook      *WebhookConfig  `json:"webhook,omitempty"`
	E2E          map[string]any  `json:"e2e,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Restrictions map[string]any  `json:"restrictions,omitempty"`
}

// SubscribeResponse reports the created subscription and its initial status.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
}

// UnsubscribeParams removes a subscription.
type UnsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// SubscriptionActionParams drives approve/deny/revoke.
type SubscriptionActionParams struct {
	SubscriptionID string         `json:"subscription_id"`
	Reason         string         `json:"reason,omitempty"`
	Restrictions   map[string]any `json:"restrictions,omitempty"`
}

// PublishParams carries exactly one of Signal or Action.
type PublishParams struct {
	Topic  string  `json:"topic"`
	Signal *Signal `json:"signal,omitempty"`
	Action *Action `json:"action,omitempty"`
}

// PublishResponse reports fan-out of a publish.
type PublishResponse struct {
	SignalID   string `json:"signal_id"`
	Recipients int    `json:"recipients"`
}

// AckParams acknowledges received signals for one subscription.
type AckParams struct {
	SubscriptionID string   `json:"subscription_id"`
	SignalIDs      []string `json:"signal_ids"`
}

// AckFailure explains why one signal id could not be acknowledged.
type AckFailure struct {
	SignalID string `json:"signal_id"`
	Reason   string `json:"reason"`
}

// AckResponse partitions the acknowledged and failed ids.
type AckResponse struct {
	Acknowledged []string     `json:"acknowledged"`
	Failed       []AckFailure `json:"failed"`
}

// PongResult answers cauce.ping.
type PongResult struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp_ms"`
}

// SchemaInfo describes one schema in the catalog.
type SchemaInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SchemasGetParams fetches one schema by name.
type SchemasGetParams struct {
	Name string `json:"name"`
}

// SchemaDocument is a full schema body.
type SchemaDocument struct {
	SchemaInfo
	Definition json.RawMessage `json:"definition"`
}

// PollParams is the HTTP body for /poll and /long-poll.
type PollParams struct {
	Session string `json:"session"`
	Since   string `json:"since,omitempty"`
	Max     int    `json:"max,omitempty"`
}

// PolledDelivery is one batch entry returned by the polling endpoints.
type PolledDelivery struct {
	SubscriptionID string          `json:"subscription_id"`
	Delivery       *SignalDelivery `json:"delivery"`
}

// PollResponse is the polling batch plus the cursor for the next call.
type PollResponse struct {
	Deliveries []PolledDelivery `json:"deliveries"`
	Cursor     string           `json:"cursor,omitempty"`
	More       bool             `json:"more"`
}

// HTTPAckParams is the HTTP body for /ack used by SSE and polling clients.
type HTTPAckParams struct {
	Session        string   `json:"session"`
	SubscriptionID string   `json:"subscription_id"`
	SignalIDs      []string `json:"signal_ids"`
}
