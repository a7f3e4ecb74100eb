package protocol

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Client types admitted at hello.
const (
	ClientTypeAdapter  = "adapter"
	ClientTypeAgent    = "agent"
	ClientTypeA2AAgent = "a2a_agent"
)

// Signal priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Action types an agent may issue toward an adapter.
const (
	ActionSend    = "send"
	ActionReply   = "reply"
	ActionForward = "forward"
	ActionReact   = "react"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
)

// Source identifies the platform event a signal originated from.
type Source struct {
	Type      string `json:"type"`
	AdapterID string `json:"adapter_id"`
	NativeID  string `json:"native_id,omitempty"`
}

// Payload carries the opaque message body.
type Payload struct {
	Raw         json.RawMessage `json:"raw"`
	ContentType string          `json:"content_type"`
	SizeBytes   int64           `json:"size_bytes"`
}

// Metadata is the optional threading and routing envelope.
type Metadata struct {
	ThreadID   string   `json:"thread_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Encrypted is the optional end-to-end encryption envelope. The hub routes it
// opaquely; only endpoints hold keys.
type Encrypted struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id,omitempty"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce,omitempty"`
}

// Signal is an inbound event published by an adapter.
type Signal struct {
	ID        string     `json:"id"`
	Version   string     `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
	Source    Source     `json:"source"`
	Topic     string     `json:"topic"`
	Payload   Payload    `json:"payload"`
	Metadata  *Metadata  `json:"metadata,omitempty"`
	Encrypted *Encrypted `json:"encrypted,omitempty"`
}

// ActionSpec describes what the adapter should do.
type ActionSpec struct {
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ActionContext correlates an action with prior traffic.
type ActionContext struct {
	InReplyTo     string `json:"in_reply_to,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Action is an outbound command from an agent to an adapter.
type Action struct {
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
	Topic     string         `json:"topic"`
	Action    ActionSpec     `json:"action"`
	Context   *ActionContext `json:"context,omitempty"`
}

// SignalDelivery is the unit handed to a transport: one signal bound for one
// subscription, on the concrete topic that matched.
type SignalDelivery struct {
	Topic  string  `json:"topic"`
	Signal *Signal `json:"signal"`
}

var (
	signalIDRe = regexp.MustCompile(`^sig_\d+_[A-Za-z0-9]{12}$`)
	actionIDRe = regexp.MustCompile(`^act_\d+_[A-Za-z0-9]{12}$`)
)

// ValidSignalID reports whether id matches sig_<unix_seconds>_<12 alnum>.
func ValidSignalID(id string) bool { return signalIDRe.MatchString(id) }

// ValidActionID reports whether id matches act_<unix_seconds>_<12 alnum>.
func ValidActionID(id string) bool { return actionIDRe.MatchString(id) }

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a far worse state than
		// a weak id; fall back to the uuid source.
		copy(buf, uuid.New().String())
	}
	for i := range buf {
		buf[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
	}
	return string(buf)
}

// NewSignalID generates a signal id for the current time.
func NewSignalID() string {
	return fmt.Sprintf("sig_%d_%s", time.Now().Unix(), randomSuffix(12))
}

// NewActionID generates an action id for the current time.
func NewActionID() string {
	return fmt.Sprintf("act_%d_%s", time.Now().Unix(), randomSuffix(12))
}

// NewSubscriptionID generates a sub_<uuid> id.
func NewSubscriptionID() string { return "sub_" + uuid.NewString() }

// NewSessionID generates a sess_<uuid> id.
func NewSessionID() string { return "sess_" + uuid.NewString() }

// NewMessageID generates a msg_<uuid> id for JSON-RPC request ids.
func NewMessageID() string { return "msg_" + uuid.NewString() }
