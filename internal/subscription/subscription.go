// Package subscription manages subscription lifecycle and the pattern index.
package subscription

import (
	"time"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// Status is the subscription lifecycle state. Denied, revoked and expired are
// terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDenied  Status = "denied"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusRevoked || s == StatusExpired
}

// ApprovalType selects whether a subscription activates immediately or waits
// for user approval.
type ApprovalType string

const (
	ApprovalAutomatic    ApprovalType = "automatic"
	ApprovalUserApproved ApprovalType = "user_approved"
)

// Subscription is one client's standing interest in matching topics.
type Subscription struct {
	ID           string                  `json:"subscription_id"`
	ClientID     string                  `json:"client_id"`
	SessionID    string                  `json:"session_id"`
	Patterns     []string                `json:"patterns"`
	Status       Status                  `json:"status"`
	Approval     ApprovalType            `json:"approval_type"`
	Transport    string                  `json:"transport,omitempty"`
	Webhook      *protocol.WebhookConfig `json:"webhook,omitempty"`
	E2E          map[string]any          `json:"e2e,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	Revoked      string                  `json:"revoke_reason,omitempty"`
	Restrictions map[string]any          `json:"restrictions,omitempty"`
}

// Expired reports whether the subscription's expiry, if any, has passed.
func (s *Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Matchable reports whether deliveries may target this subscription.
func (s *Subscription) Matchable(now time.Time) bool {
	return s.Status == StatusActive && !s.Expired(now)
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Patterns = append([]string(nil), s.Patterns...)
	return &cp
}
