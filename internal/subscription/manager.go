package subscription

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/topics"
)

var (
	ErrNotFound       = errors.New("subscription not found")
	ErrInvalidState   = errors.New("invalid subscription state")
	ErrInvalidPattern = errors.New("invalid topic pattern")
	ErrLimitExceeded  = errors.New("subscription limit exceeded")
)

// Limits bounds per-client and per-subscription fanout.
type Limits struct {
	MaxSubscriptionsPerClient int
	MaxTopicsPerSubscription  int
}

// Request is the input to Subscribe.
type Request struct {
	Patterns     []string
	Approval     ApprovalType
	Transport    string
	Webhook      *protocol.WebhookConfig
	E2E          map[string]any
	ExpiresAt    *time.Time
	Restrictions map[string]any
}

// Manager owns subscription records, the pattern trie and the client/session
// indices. All four are guarded by one RWMutex so a match and a concurrent
// approve/revoke can never observe a record active while the trie disagrees.
type Manager struct {
	mu        sync.RWMutex
	trie      *topics.Trie
	subs      map[string]*Subscription
	byClient  map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
	limits    Limits
	log       zerolog.Logger
}

func NewManager(limits Limits, log zerolog.Logger) *Manager {
	return &Manager{
		trie:      topics.New(),
		subs:      make(map[string]*Subscription),
		byClient:  make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		limits:    limits,
		log:       log.With().Str("component", "subscriptions").Logger(),
	}
}

// Subscribe validates patterns, applies limits and creates the subscription.
// Automatic approval activates and indexes it immediately; user_approved
// leaves it pending and unindexed until Approve.
func (m *Manager) Subscribe(clientID, sessionID string, req Request) (*Subscription, error) {
	if len(req.Patterns) == 0 {
		return nil, fmt.Errorf("%w: no patterns", ErrInvalidPattern)
	}
	if m.limits.MaxTopicsPerSubscription > 0 && len(req.Patterns) > m.limits.MaxTopicsPerSubscription {
		return nil, fmt.Errorf("%w: %d patterns exceeds limit %d",
			ErrLimitExceeded, len(req.Patterns), m.limits.MaxTopicsPerSubscription)
	}
	for _, p := range req.Patterns {
		if err := protocol.ValidatePattern(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	approval := req.Approval
	if approval == "" {
		approval = ApprovalAutomatic
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxSubscriptionsPerClient > 0 &&
		len(m.byClient[clientID]) >= m.limits.MaxSubscriptionsPerClient {
		return nil, fmt.Errorf("%w: client %s already holds %d subscriptions",
			ErrLimitExceeded, clientID, len(m.byClient[clientID]))
	}

	sub := &Subscription{
		ID:           protocol.NewSubscriptionID(),
		ClientID:     clientID,
		SessionID:    sessionID,
		Patterns:     append([]string(nil), req.Patterns...),
		Status:       StatusPending,
		Approval:     approval,
		Transport:    req.Transport,
		Webhook:      req.Webhook,
		E2E:          req.E2E,
		CreatedAt:    time.Now(),
		ExpiresAt:    req.ExpiresAt,
		Restrictions: req.Restrictions,
	}
	if approval == ApprovalAutomatic {
		sub.Status = StatusActive
		m.indexPatternsLocked(sub)
	}

	m.subs[sub.ID] = sub
	addIndex(m.byClient, clientID, sub.ID)
	addIndex(m.bySession, sessionID, sub.ID)

	m.log.Info().
		Str("subscription_id", sub.ID).
		Str("client_id", clientID).
		Str("session_id", sessionID).
		Strs("patterns", sub.Patterns).
		Str("status", string(sub.Status)).
		Msg("Subscription created")

	return sub.clone(), nil
}

// Unsubscribe removes the subscription and all of its indexed patterns.
func (m *Manager) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	m.removeLocked(sub)
	m.log.Info().Str("subscription_id", subscriptionID).Msg("Subscription removed")
	return nil
}

// Approve transitions a pending subscription to active and indexes its
// patterns. Optional restrictions are recorded on the subscription.
func (m *Manager) Approve(subscriptionID string, restrictions map[string]any) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sub.Status != StatusPending {
		return nil, fmt.Errorf("%w: approve requires pending, got %s", ErrInvalidState, sub.Status)
	}
	sub.Status = StatusActive
	if restrictions != nil {
		sub.Restrictions = restrictions
	}
	m.indexPatternsLocked(sub)

	m.log.Info().Str("subscription_id", subscriptionID).Msg("Subscription approved")
	return sub.clone(), nil
}

// Deny transitions a pending subscription to the terminal denied state.
func (m *Manager) Deny(subscriptionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != StatusPending {
		return fmt.Errorf("%w: deny requires pending, got %s", ErrInvalidState, sub.Status)
	}
	sub.Status = StatusDenied
	sub.Revoked = reason

	m.log.Info().Str("subscription_id", subscriptionID).Str("reason", reason).Msg("Subscription denied")
	return nil
}

// Revoke transitions any non-terminal subscription to revoked and removes its
// patterns from the index.
func (m *Manager) Revoke(subscriptionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	if sub.Status.Terminal() {
		return fmt.Errorf("%w: revoke from terminal state %s", ErrInvalidState, sub.Status)
	}
	m.unindexPatternsLocked(sub)
	sub.Status = StatusRevoked
	sub.Revoked = reason

	m.log.Info().Str("subscription_id", subscriptionID).Str("reason", reason).Msg("Subscription revoked")
	return nil
}

// GetForTopic resolves the concrete topic through the trie and returns copies
// of the matching records that are active and not expired.
func (m *Manager) GetForTopic(topic string) []*Subscription {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, id := range m.trie.Match(topic) {
		sub, ok := m.subs[id]
		if !ok || !sub.Matchable(now) {
			continue
		}
		out = append(out, sub.clone())
	}
	return out
}

// Get returns a copy of one subscription.
func (m *Manager) Get(subscriptionID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

// GetForClient returns copies of all subscriptions owned by the client.
func (m *Manager) GetForClient(clientID string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Subscription, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		if sub, ok := m.subs[id]; ok {
			out = append(out, sub.clone())
		}
	}
	return out
}

// IsActive is the tracker's cheap liveness check for redelivery eligibility.
func (m *Manager) IsActive(subscriptionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[subscriptionID]
	return ok && sub.Matchable(time.Now())
}

// AttachSession re-binds an existing subscription to a new session, used when
// a client reconnects and re-attaches by subscription id.
func (m *Manager) AttachSession(subscriptionID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	if sub.Status.Terminal() {
		return fmt.Errorf("%w: cannot attach to %s subscription", ErrInvalidState, sub.Status)
	}
	removeIndex(m.bySession, sub.SessionID, sub.ID)
	sub.SessionID = sessionID
	addIndex(m.bySession, sessionID, sub.ID)
	return nil
}

// RevokeForSession revokes every non-terminal subscription bound to a dead
// session. Called by the periodic cleanup when sessions expire or close
// without the client re-attaching.
func (m *Manager) RevokeForSession(sessionID, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id := range m.bySession[sessionID] {
		sub, ok := m.subs[id]
		if !ok || sub.Status.Terminal() {
			continue
		}
		m.unindexPatternsLocked(sub)
		sub.Status = StatusRevoked
		sub.Revoked = reason
		count++
	}
	if count > 0 {
		m.log.Info().Str("session_id", sessionID).Int("count", count).Msg("Revoked subscriptions for dead session")
	}
	return count
}

// CleanupExpired marks expired subscriptions and unindexes their patterns.
// Returns the number transitioned.
func (m *Manager) CleanupExpired() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, sub := range m.subs {
		if sub.Status != StatusActive || !sub.Expired(now) {
			continue
		}
		m.unindexPatternsLocked(sub)
		sub.Status = StatusExpired
		count++
	}
	if count > 0 {
		m.log.Debug().Int("count", count).Msg("Expired subscriptions cleaned up")
	}
	return count
}

// Count returns the number of records, including terminal ones not yet
// garbage collected.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Manager) indexPatternsLocked(sub *Subscription) {
	for _, p := range sub.Patterns {
		if err := m.trie.Insert(p, sub.ID); err != nil {
			// Patterns were validated at Subscribe; a failure here is a bug.
			m.log.Error().Err(err).Str("subscription_id", sub.ID).Str("pattern", p).Msg("Pattern index insert failed")
		}
	}
}

func (m *Manager) unindexPatternsLocked(sub *Subscription) {
	for _, p := range sub.Patterns {
		m.trie.Remove(p, sub.ID)
	}
}

func (m *Manager) removeLocked(sub *Subscription) {
	if !sub.Status.Terminal() {
		m.unindexPatternsLocked(sub)
	}
	delete(m.subs, sub.ID)
	removeIndex(m.byClient, sub.ClientID, sub.ID)
	removeIndex(m.bySession, sub.SessionID, sub.ID)
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
