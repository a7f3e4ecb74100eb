package session

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

type nopSender struct{ connected bool }

func (n *nopSender) SendSignal(*protocol.SignalDelivery) error { return nil }
func (n *nopSender) IsConnected() bool                         { return n.connected }

func newSession(t *testing.T, m *Manager, clientID string) *Info {
	t.Helper()
	info, err := m.Create(NewSession{
		ClientID:        clientID,
		ClientType:      "agent",
		ProtocolVersion: "1.0",
		Transport:       "websocket",
	})
	require.NoError(t, err)
	return info
}

func TestCreateAndGet(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	info := newSession(t, m, "client-1")

	assert.True(t, strings.HasPrefix(info.ID, "sess_"))
	assert.Equal(t, "client-1", info.ClientID)
	assert.True(t, info.ExpiresAt.After(info.CreatedAt))

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.True(t, m.IsValid(info.ID))
	assert.Equal(t, 1, m.Count())
}

func TestCreateConflict(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	_, err := m.Create(NewSession{ID: "sess-fixed", ClientID: "c"})
	require.NoError(t, err)
	_, err = m.Create(NewSession{ID: "sess-fixed", ClientID: "c"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetUnknown(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	_, err := m.Get("sess-nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.IsValid("sess-nope"))
}

func TestTouchExtendsExpiry(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	info := newSession(t, m, "client-1")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Touch(info.ID))

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(info.ExpiresAt))
	assert.True(t, got.LastActivity.After(info.LastActivity))
}

func TestExpiry(t *testing.T) {
	m := NewManager(30*time.Millisecond, zerolog.Nop())
	info := newSession(t, m, "client-1")

	require.NoError(t, m.AttachSender(info.ID, &nopSender{connected: true}))
	time.Sleep(50 * time.Millisecond)

	assert.False(t, m.IsValid(info.ID))
	_, err := m.Get(info.ID)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, m.Touch(info.ID), ErrExpired)
	assert.Nil(t, m.Sender(info.ID), "expired sessions expose no sender")

	expired := m.CleanupExpired()
	assert.Equal(t, []string{info.ID}, expired)
	assert.Zero(t, m.Count())
	_, err = m.Get(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSenderAttachDetach(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	info := newSession(t, m, "client-1")

	assert.Nil(t, m.Sender(info.ID))

	sender := &nopSender{connected: true}
	require.NoError(t, m.AttachSender(info.ID, sender))
	assert.Same(t, SignalSender(sender), m.Sender(info.ID))

	m.DetachSender(info.ID)
	assert.Nil(t, m.Sender(info.ID))

	assert.ErrorIs(t, m.AttachSender("sess-nope", sender), ErrNotFound)
}

func TestClientIndex(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	a := newSession(t, m, "client-a")
	b := newSession(t, m, "client-a")
	newSession(t, m, "client-b")

	ids := m.GetForClient("client-a")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	m.Remove(a.ID)
	assert.Equal(t, []string{b.ID}, m.GetForClient("client-a"))

	m.Remove(b.ID)
	assert.Empty(t, m.GetForClient("client-a"))
}

func TestCloseAll(t *testing.T) {
	m := NewManager(time.Minute, zerolog.Nop())
	newSession(t, m, "c1")
	newSession(t, m, "c2")
	m.CloseAll()
	assert.Zero(t, m.Count())
}
