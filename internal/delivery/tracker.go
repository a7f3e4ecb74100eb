// Package delivery implements at-least-once delivery tracking: pending
// records keyed by (subscription, signal), exponential-backoff redelivery and
// dead-lettering after retry exhaustion.
package delivery

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// ErrQueueFull is returned by Track under the reject overflow policy when a
// subscription's pending queue is at capacity.
var ErrQueueFull = errors.New("pending queue full")

// Dead-letter reasons.
const (
	ReasonMaxAttempts        = "max_attempts_exceeded"
	ReasonSubscriptionClosed = "subscription_removed"
)

// Overflow policies for a full per-subscription pending queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// Config bounds the retry schedule and queue sizes.
type Config struct {
	InitialDelay              time.Duration
	MaxDelay                  time.Duration
	Multiplier                float64
	MaxAttempts               int
	Jitter                    bool
	MaxPendingPerSubscription int
	OverflowPolicy            string
	DeadLetterRetention       time.Duration
}

// PendingDelivery is one in-flight delivery awaiting acknowledgment.
type PendingDelivery struct {
	SubscriptionID string                   `json:"subscription_id"`
	Delivery       *protocol.SignalDelivery `json:"delivery"`
	FirstAttempt   time.Time                `json:"first_attempt"`
	LastAttempt    time.Time                `json:"last_attempt"`
	NextAttempt    time.Time                `json:"next_attempt"`
	AttemptCount   int                      `json:"attempt_count"`
}

func (p *PendingDelivery) clone() *PendingDelivery {
	cp := *p
	return &cp
}

// DeadLetter is a delivery that exhausted its retries, retained until cleanup.
type DeadLetter struct {
	PendingDelivery
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

// StatusChecker reports whether a subscription may still receive deliveries.
// Implemented by the subscription manager.
type StatusChecker interface {
	IsActive(subscriptionID string) bool
}

// subQueue holds one subscription's pending deliveries in insertion order.
// Its mutex gives ack, record_redelivery and move_to_dead_letter mutual
// exclusion per key while the xsync map shards across subscriptions.
type subQueue struct {
	mu      sync.Mutex
	items   map[string]*PendingDelivery // by signal id
	order   []string                    // insertion order, for drop-oldest
	retired bool                        // set under mu before the map entry is deleted
}

type deadList struct {
	mu    sync.Mutex
	items []*DeadLetter
}

// Tracker owns all pending-delivery state.
type Tracker struct {
	queues *xsync.Map[string, *subQueue]
	dead   *xsync.Map[string, *deadList]
	cfg    Config
	subs   StatusChecker
	log    zerolog.Logger
}

func NewTracker(cfg Config, subs StatusChecker, log zerolog.Logger) *Tracker {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowDropOldest
	}
	return &Tracker{
		queues: xsync.NewMap[string, *subQueue](),
		dead:   xsync.NewMap[string, *deadList](),
		cfg:    cfg,
		subs:   subs,
		log:    log.With().Str("component", "delivery_tracker").Logger(),
	}
}

// Backoff returns the redelivery delay after the given attempt count:
// initial × multiplier^(attempt−1), clamped to max, plus optional 0–25%
// additive jitter.
func (t *Tracker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(t.cfg.InitialDelay) * math.Pow(t.cfg.Multiplier, float64(attempt-1))
	if max := float64(t.cfg.MaxDelay); d > max {
		d = max
	}
	if t.cfg.Jitter {
		d += d * 0.25 * rand.Float64()
		if max := float64(t.cfg.MaxDelay); d > max {
			d = max
		}
	}
	return time.Duration(d)
}

// queueFor returns the live queue for a subscription, locked. The retired
// check closes the race with Cleanup deleting an empty queue between the map
// lookup and the lock acquisition.
func (t *Tracker) queueFor(subscriptionID string) *subQueue {
	for {
		q, _ := t.queues.LoadOrCompute(subscriptionID, func() (*subQueue, bool) {
			return &subQueue{items: make(map[string]*PendingDelivery)}, false
		})
		q.mu.Lock()
		if !q.retired {
			return q
		}
		q.mu.Unlock()
	}
}

// Track records a new pending delivery with attempt_count = 1. Re-tracking an
// existing (subscription, signal) key keeps the original record so attempt
// counters are never reset. Under the reject policy a full queue returns
// ErrQueueFull; under drop-oldest the oldest pending record is discarded.
func (t *Tracker) Track(subscriptionID string, delivery *protocol.SignalDelivery) error {
	now := time.Now()
	q := t.queueFor(subscriptionID) // returned locked
	defer q.mu.Unlock()

	signalID := delivery.Signal.ID
	if _, exists := q.items[signalID]; exists {
		return nil
	}
	if cap := t.cfg.MaxPendingPerSubscription; cap > 0 && len(q.items) >= cap {
		if t.cfg.OverflowPolicy == OverflowReject {
			return ErrQueueFull
		}
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.items, oldest)
		t.log.Warn().
			Str("subscription_id", subscriptionID).
			Str("dropped_signal_id", oldest).
			Msg("Pending queue full, dropped oldest delivery")
	}
	q.items[signalID] = &PendingDelivery{
		SubscriptionID: subscriptionID,
		Delivery:       delivery,
		FirstAttempt:   now,
		LastAttempt:    now,
		NextAttempt:    now.Add(t.cfg.InitialDelay),
		AttemptCount:   1,
	}
	q.order = append(q.order, signalID)
	return nil
}

// Ack acknowledges a batch of signal ids for one subscription, partitioning
// them into acknowledged and failed.
func (t *Tracker) Ack(subscriptionID string, signalIDs []string) *protocol.AckResponse {
	resp := &protocol.AckResponse{
		Acknowledged: []string{},
		Failed:       []protocol.AckFailure{},
	}
	q, ok := t.queues.Load(subscriptionID)
	if !ok {
		for _, id := range signalIDs {
			resp.Failed = append(resp.Failed, protocol.AckFailure{SignalID: id, Reason: "not pending"})
		}
		return resp
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range signalIDs {
		if _, exists := q.items[id]; exists {
			delete(q.items, id)
			q.order = removeOrdered(q.order, id)
			resp.Acknowledged = append(resp.Acknowledged, id)
		} else {
			resp.Failed = append(resp.Failed, protocol.AckFailure{SignalID: id, Reason: "not pending"})
		}
	}
	return resp
}

// GetUnacked lists the pending deliveries for one subscription in insertion
// order.
func (t *Tracker) GetUnacked(subscriptionID string) []*protocol.SignalDelivery {
	q, ok := t.queues.Load(subscriptionID)
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*protocol.SignalDelivery, 0, len(q.order))
	for _, id := range q.order {
		if p, exists := q.items[id]; exists {
			out = append(out, p.Delivery)
		}
	}
	return out
}

// GetPending returns copies of the pending records for one subscription.
func (t *Tracker) GetPending(subscriptionID string) []*PendingDelivery {
	q, ok := t.queues.Load(subscriptionID)
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*PendingDelivery, 0, len(q.order))
	for _, id := range q.order {
		if p, exists := q.items[id]; exists {
			out = append(out, p.clone())
		}
	}
	return out
}

// GetForRedelivery returns copies of every due pending record that still has
// attempts left and whose owning subscription is active.
func (t *Tracker) GetForRedelivery() []*PendingDelivery {
	now := time.Now()
	var due []*PendingDelivery
	t.queues.Range(func(subID string, q *subQueue) bool {
		if !t.subs.IsActive(subID) {
			return true
		}
		q.mu.Lock()
		for _, p := range q.items {
			if !p.NextAttempt.After(now) && p.AttemptCount < t.cfg.MaxAttempts {
				due = append(due, p.clone())
			}
		}
		q.mu.Unlock()
		return true
	})
	return due
}

// RecordRedelivery advances a pending record after a handoff to the
// transport: attempt count up, backoff applied for the next attempt. Called
// after the handoff, not after confirmed reception.
func (t *Tracker) RecordRedelivery(subscriptionID, signalID string) {
	q, ok := t.queues.Load(subscriptionID)
	if !ok {
		return
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	p, exists := q.items[signalID]
	if !exists {
		// Acked between the snapshot and now; nothing to record.
		return
	}
	p.AttemptCount++
	p.LastAttempt = now
	p.NextAttempt = now.Add(t.Backoff(p.AttemptCount))
}

// MoveToDeadLetter removes a pending record and appends it to the
// subscription's dead-letter list. Returns the record, or nil when it was
// acked concurrently.
func (t *Tracker) MoveToDeadLetter(subscriptionID, signalID, reason string) *DeadLetter {
	q, ok := t.queues.Load(subscriptionID)
	if !ok {
		return nil
	}
	q.mu.Lock()
	p, exists := q.items[signalID]
	if exists {
		delete(q.items, signalID)
		q.order = removeOrdered(q.order, signalID)
	}
	q.mu.Unlock()
	if !exists {
		return nil
	}

	dl := &DeadLetter{PendingDelivery: *p, Reason: reason, MovedAt: time.Now()}
	list, _ := t.dead.LoadOrCompute(subscriptionID, func() (*deadList, bool) {
		return &deadList{}, false
	})
	list.mu.Lock()
	list.items = append(list.items, dl)
	list.mu.Unlock()

	t.log.Warn().
		Str("subscription_id", subscriptionID).
		Str("signal_id", signalID).
		Str("reason", reason).
		Int("attempts", p.AttemptCount).
		Msg("Delivery dead-lettered")
	return dl
}

// ReapExhausted dead-letters every due pending record whose attempt count has
// reached max_attempts. The scheduler calls this each tick before asking for
// redeliveries.
func (t *Tracker) ReapExhausted() []*DeadLetter {
	now := time.Now()
	type key struct{ sub, sig string }
	var exhausted []key
	t.queues.Range(func(subID string, q *subQueue) bool {
		q.mu.Lock()
		for sigID, p := range q.items {
			if !p.NextAttempt.After(now) && p.AttemptCount >= t.cfg.MaxAttempts {
				exhausted = append(exhausted, key{subID, sigID})
			}
		}
		q.mu.Unlock()
		return true
	})

	var moved []*DeadLetter
	for _, k := range exhausted {
		if dl := t.MoveToDeadLetter(k.sub, k.sig, ReasonMaxAttempts); dl != nil {
			moved = append(moved, dl)
		}
	}
	return moved
}

// GetDeadLetters returns copies of the dead letters for one subscription.
func (t *Tracker) GetDeadLetters(subscriptionID string) []*DeadLetter {
	list, ok := t.dead.Load(subscriptionID)
	if !ok {
		return nil
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	out := make([]*DeadLetter, len(list.items))
	for i, dl := range list.items {
		cp := *dl
		out[i] = &cp
	}
	return out
}

// RemoveSubscription destroys all pending and dead-letter state for a
// subscription, used when the subscription itself is removed or revoked.
func (t *Tracker) RemoveSubscription(subscriptionID string) {
	t.queues.Delete(subscriptionID)
	t.dead.Delete(subscriptionID)
}

// NextDue returns the soonest next_attempt across all pending records and
// whether any pending record exists.
func (t *Tracker) NextDue() (time.Time, bool) {
	var soonest time.Time
	found := false
	t.queues.Range(func(_ string, q *subQueue) bool {
		q.mu.Lock()
		for _, p := range q.items {
			if !found || p.NextAttempt.Before(soonest) {
				soonest = p.NextAttempt
				found = true
			}
		}
		q.mu.Unlock()
		return true
	})
	return soonest, found
}

// PendingCount returns the total number of pending deliveries.
func (t *Tracker) PendingCount() int {
	total := 0
	t.queues.Range(func(_ string, q *subQueue) bool {
		q.mu.Lock()
		total += len(q.items)
		q.mu.Unlock()
		return true
	})
	return total
}

// Cleanup drops dead letters older than the retention window and empty
// queues. Returns the number of records removed.
func (t *Tracker) Cleanup() int {
	removed := 0
	if t.cfg.DeadLetterRetention > 0 {
		cutoff := time.Now().Add(-t.cfg.DeadLetterRetention)
		t.dead.Range(func(subID string, list *deadList) bool {
			list.mu.Lock()
			kept := list.items[:0]
			for _, dl := range list.items {
				if dl.MovedAt.After(cutoff) {
					kept = append(kept, dl)
				} else {
					removed++
				}
			}
			list.items = kept
			empty := len(list.items) == 0
			list.mu.Unlock()
			if empty {
				t.dead.Delete(subID)
			}
			return true
		})
	}
	t.queues.Range(func(subID string, q *subQueue) bool {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.retired = true
			t.queues.Delete(subID)
		}
		q.mu.Unlock()
		return true
	})
	return removed
}

func removeOrdered(order []string, id string) []string {
	for i, existing := range order {
		if existing == id {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}
