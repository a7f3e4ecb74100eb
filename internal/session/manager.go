// Package session tracks live authenticated connections and the signal-sender
// handle each one exposes to the delivery path.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	ErrConflict = errors.New("session id already exists")
)

// SignalSender is the per-connection handle a transport registers on its
// session. SendSignal pushes one delivery toward the client without waiting
// for acknowledgment; IsConnected lets the redelivery scheduler skip dead
// handles.
type SignalSender interface {
	SendSignal(delivery *protocol.SignalDelivery) error
	IsConnected() bool
}

// Session is one live connection's authenticated context. Mutable fields are
// guarded by mu; the manager hands out snapshots, never the live record.
type Session struct {
	mu sync.Mutex

	ID              string
	ClientID        string
	ClientType      string
	ProtocolVersion string
	Transport       string
	Auth            *auth.Info
	CreatedAt       time.Time
	lastActivity    time.Time
	expiresAt       time.Time
	sender          SignalSender
}

// Info is an immutable snapshot of a session.
type Info struct {
	ID              string
	ClientID        string
	ClientType      string
	ProtocolVersion string
	Transport       string
	Auth            *auth.Info
	CreatedAt       time.Time
	LastActivity    time.Time
	ExpiresAt       time.Time
}

func (s *Session) snapshot() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Info{
		ID:              s.ID,
		ClientID:        s.ClientID,
		ClientType:      s.ClientType,
		ProtocolVersion: s.ProtocolVersion,
		Transport:       s.Transport,
		Auth:            s.Auth,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
		ExpiresAt:       s.expiresAt,
	}
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// Manager is the session table: a sharded concurrent map keyed by session id
// plus a client index. Hot paths are point lookups.
type Manager struct {
	sessions *xsync.Map[string, *Session]
	ttl      time.Duration

	clientMu sync.RWMutex
	byClient map[string]map[string]struct{}

	log zerolog.Logger
}

// NewManager creates a session manager with the given idle TTL.
func NewManager(ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		sessions: xsync.NewMap[string, *Session](),
		ttl:      ttl,
		byClient: make(map[string]map[string]struct{}),
		log:      log.With().Str("component", "sessions").Logger(),
	}
}

// TTL returns the configured session idle timeout.
func (m *Manager) TTL() time.Duration { return m.ttl }

// NewSession is the input to Create.
type NewSession struct {
	ID              string
	ClientID        string
	ClientType      string
	ProtocolVersion string
	Transport       string
	Auth            *auth.Info
}

// Create registers a session. A pre-existing id is a conflict.
func (m *Manager) Create(ns NewSession) (*Info, error) {
	now := time.Now()
	id := ns.ID
	if id == "" {
		id = protocol.NewSessionID()
	}
	s := &Session{
		ID:              id,
		ClientID:        ns.ClientID,
		ClientType:      ns.ClientType,
		ProtocolVersion: ns.ProtocolVersion,
		Transport:       ns.Transport,
		Auth:            ns.Auth,
		CreatedAt:       now,
		lastActivity:    now,
		expiresAt:       now.Add(m.ttl),
	}
	if _, loaded := m.sessions.LoadOrStore(id, s); loaded {
		return nil, ErrConflict
	}

	m.clientMu.Lock()
	set, ok := m.byClient[ns.ClientID]
	if !ok {
		set = make(map[string]struct{})
		m.byClient[ns.ClientID] = set
	}
	set[id] = struct{}{}
	m.clientMu.Unlock()

	m.log.Info().
		Str("session_id", id).
		Str("client_id", ns.ClientID).
		Str("client_type", ns.ClientType).
		Str("transport", ns.Transport).
		Msg("Session created")

	return s.snapshot(), nil
}

// Get returns a snapshot of a live session. Expired sessions are filtered.
func (m *Manager) Get(id string) (*Info, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(time.Now()) {
		return nil, ErrExpired
	}
	return s.snapshot(), nil
}

// Touch records activity and extends expiry to now + ttl.
func (m *Manager) Touch(id string) error {
	s, ok := m.sessions.Load(id)
	if !ok {
		return ErrNotFound
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.expiresAt) {
		return ErrExpired
	}
	s.lastActivity = now
	s.expiresAt = now.Add(m.ttl)
	return nil
}

// IsValid is a cheap existence-and-not-expired read.
func (m *Manager) IsValid(id string) bool {
	s, ok := m.sessions.Load(id)
	return ok && !s.expired(time.Now())
}

// Remove deletes a session and its client-index entry.
func (m *Manager) Remove(id string) {
	s, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	m.clientMu.Lock()
	if set, ok := m.byClient[s.ClientID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byClient, s.ClientID)
		}
	}
	m.clientMu.Unlock()
	m.log.Info().Str("session_id", id).Msg("Session removed")
}

// GetForClient lists session ids for a client.
func (m *Manager) GetForClient(clientID string) []string {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	out := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		out = append(out, id)
	}
	return out
}

// AttachSender installs the transport's per-connection handle.
func (m *Manager) AttachSender(id string, sender SignalSender) error {
	s, ok := m.sessions.Load(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
	return nil
}

// DetachSender clears the handle, typically when the connection closes while
// the session lingers for reconnect.
func (m *Manager) DetachSender(id string) {
	if s, ok := m.sessions.Load(id); ok {
		s.mu.Lock()
		s.sender = nil
		s.mu.Unlock()
	}
}

// Sender returns the live handle for a session, or nil when the session is
// missing, expired, or has no connected transport.
func (m *Manager) Sender(id string) SignalSender {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.expiresAt) {
		return nil
	}
	return s.sender
}

// CleanupExpired removes expired sessions and returns their ids so the caller
// can invalidate dependent subscriptions.
func (m *Manager) CleanupExpired() []string {
	now := time.Now()
	var expired []string
	m.sessions.Range(func(id string, s *Session) bool {
		if s.expired(now) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		m.Remove(id)
	}
	if len(expired) > 0 {
		m.log.Debug().Int("count", len(expired)).Msg("Expired sessions cleaned up")
	}
	return expired
}

// Count returns the number of sessions, including any not yet swept.
func (m *Manager) Count() int {
	return m.sessions.Size()
}

// CloseAll removes every session, used during shutdown.
func (m *Manager) CloseAll() {
	var ids []string
	m.sessions.Range(func(id string, _ *Session) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		m.Remove(id)
	}
}
