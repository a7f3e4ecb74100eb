package router

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/subscription"
)

func newRouterWithSubs(t *testing.T, patterns map[string][]string) (*Router, map[string]string) {
	t.Helper()
	subs := subscription.NewManager(subscription.Limits{}, zerolog.Nop())
	ids := make(map[string]string)
	for name, pats := range patterns {
		sub, err := subs.Subscribe("client-"+name, "sess-"+name, subscription.Request{Patterns: pats})
		require.NoError(t, err)
		ids[name] = sub.ID
	}
	return New(subs, zerolog.Nop()), ids
}

func testSignal(topic string) *protocol.Signal {
	return &protocol.Signal{
		ID:        "sig_1_aaaaaaaaaaaa",
		Version:   "1.0",
		Timestamp: time.Now(),
		Topic:     topic,
		Source:    protocol.Source{Type: "email", AdapterID: "adapter-1"},
	}
}

func TestRouteExactTopic(t *testing.T) {
	r, ids := newRouterWithSubs(t, map[string][]string{
		"s1": {"signal.email.received"},
	})

	deliveries, err := r.Route(&protocol.PublishParams{
		Topic:  "signal.email.received",
		Signal: testSignal("signal.email.received"),
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, ids["s1"], deliveries[0].Subscription.ID)
	assert.Equal(t, "signal.email.received", deliveries[0].Delivery.Topic)
	assert.Equal(t, "sig_1_aaaaaaaaaaaa", deliveries[0].Delivery.Signal.ID)
}

func TestRouteWildcardFanout(t *testing.T) {
	r, ids := newRouterWithSubs(t, map[string][]string{
		"s1": {"signal.email.*"},
		"s2": {"signal.**"},
		"s3": {"signal.email.sent"},
	})

	got := func(topic string) map[string]bool {
		deliveries, err := r.Route(&protocol.PublishParams{Topic: topic, Signal: testSignal(topic)})
		require.NoError(t, err)
		matched := make(map[string]bool)
		for _, d := range deliveries {
			matched[d.Subscription.ID] = true
		}
		return matched
	}

	received := got("signal.email.received")
	assert.True(t, received[ids["s1"]])
	assert.True(t, received[ids["s2"]])
	assert.False(t, received[ids["s3"]])

	sent := got("signal.email.sent")
	assert.True(t, sent[ids["s1"]])
	assert.True(t, sent[ids["s2"]])
	assert.True(t, sent[ids["s3"]])
}

func TestRouteRejectsAction(t *testing.T) {
	r, _ := newRouterWithSubs(t, nil)
	_, err := r.Route(&protocol.PublishParams{
		Topic:  "action.email.send",
		Action: &protocol.Action{ID: "act_1_aaaaaaaaaaaa"},
	})
	assert.ErrorIs(t, err, ErrActionNotRoutable)
}

func TestRouteRejectsMissingSignalAndBadTopic(t *testing.T) {
	r, _ := newRouterWithSubs(t, nil)

	_, err := r.Route(&protocol.PublishParams{Topic: "a.b"})
	assert.ErrorIs(t, err, ErrInvalidPublish)

	_, err = r.Route(&protocol.PublishParams{Topic: "a..b", Signal: testSignal("a..b")})
	assert.ErrorIs(t, err, ErrInvalidPublish)

	_, err = r.Route(&protocol.PublishParams{
		Topic:  "a.b",
		Signal: &protocol.Signal{ID: "not-a-signal-id"},
	})
	assert.ErrorIs(t, err, ErrInvalidPublish)
}

func TestRouteGeneratesMissingSignalID(t *testing.T) {
	r, _ := newRouterWithSubs(t, map[string][]string{"s1": {"a.b"}})
	deliveries, err := r.Route(&protocol.PublishParams{
		Topic:  "a.b",
		Signal: &protocol.Signal{Version: "1.0"},
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, protocol.ValidSignalID(deliveries[0].Delivery.Signal.ID))
}

func TestMatchingSubscriptions(t *testing.T) {
	r, ids := newRouterWithSubs(t, map[string][]string{"s1": {"a.*"}})

	matched, err := r.MatchingSubscriptions("a.b")
	require.NoError(t, err)
	assert.Equal(t, []string{ids["s1"]}, matched)

	_, err = r.MatchingSubscriptions("")
	assert.Error(t, err)
}
