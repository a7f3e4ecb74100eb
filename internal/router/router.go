// Package router turns a publish into per-subscription delivery intents.
package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/subscription"
)

var (
	ErrInvalidPublish = errors.New("invalid publish")
	// ErrActionNotRoutable: actions do not travel the signal delivery path.
	ErrActionNotRoutable = errors.New("actions cannot be published through the signal path")
)

// Delivery pairs one matched subscription with the payload bound for it.
type Delivery struct {
	Subscription *subscription.Subscription
	Delivery     *protocol.SignalDelivery
}

// Router composes the matcher (via the subscription manager) with publish
// validation. It produces delivery intents; the caller threads each through
// the tracker and the owning session's sender.
type Router struct {
	subs *subscription.Manager
	log  zerolog.Logger
}

func New(subs *subscription.Manager, log zerolog.Logger) *Router {
	return &Router{
		subs: subs,
		log:  log.With().Str("component", "router").Logger(),
	}
}

// Route validates the publish and returns one delivery intent per matching
// active subscription. Publishes carrying an Action are rejected.
func (r *Router) Route(params *protocol.PublishParams) ([]Delivery, error) {
	if params.Action != nil {
		return nil, ErrActionNotRoutable
	}
	if params.Signal == nil {
		return nil, fmt.Errorf("%w: publish carries no signal", ErrInvalidPublish)
	}
	topic := params.Topic
	if topic == "" {
		topic = params.Signal.Topic
	}
	if err := protocol.ValidateTopic(topic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublish, err)
	}

	signal := params.Signal
	if signal.ID == "" {
		signal.ID = protocol.NewSignalID()
	} else if !protocol.ValidSignalID(signal.ID) {
		return nil, fmt.Errorf("%w: malformed signal id %q", ErrInvalidPublish, signal.ID)
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}
	signal.Topic = topic

	matched := r.subs.GetForTopic(topic)
	deliveries := make([]Delivery, 0, len(matched))
	for _, sub := range matched {
		deliveries = append(deliveries, Delivery{
			Subscription: sub,
			Delivery:     &protocol.SignalDelivery{Topic: topic, Signal: signal},
		})
	}

	r.log.Debug().
		Str("topic", topic).
		Str("signal_id", signal.ID).
		Int("matched", len(deliveries)).
		Msg("Publish routed")
	return deliveries, nil
}

// MatchingSubscriptions exposes the read-only lookup for diagnostics.
func (r *Router) MatchingSubscriptions(topic string) ([]string, error) {
	if err := protocol.ValidateTopic(topic); err != nil {
		return nil, err
	}
	subs := r.subs.GetForTopic(topic)
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	return ids, nil
}
