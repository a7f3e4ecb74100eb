package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/session"
)

// SenderResolver maps a subscription to its current transport handle, or nil
// when no live handle exists (session gone, transport disconnected).
type SenderResolver interface {
	SenderForSubscription(subscriptionID string) session.SignalSender
}

// DeadLetterHook is invoked for every dead-lettered delivery, letting the hub
// republish it to the configured dead-letter topic.
type DeadLetterHook func(dl *DeadLetter)

// SchedulerConfig controls the redelivery loop.
type SchedulerConfig struct {
	Enabled bool
	Tick    time.Duration
}

// Scheduler is the single background loop that polls the tracker for due
// deliveries and hands them back to transports.
type Scheduler struct {
	cfg        SchedulerConfig
	tracker    *Tracker
	senders    SenderResolver
	deadLetter DeadLetterHook
	log        zerolog.Logger
}

func NewScheduler(cfg SchedulerConfig, tracker *Tracker, senders SenderResolver, hook DeadLetterHook, log zerolog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	return &Scheduler{
		cfg:        cfg,
		tracker:    tracker,
		senders:    senders,
		deadLetter: hook,
		log:        log.With().Str("component", "redelivery_scheduler").Logger(),
	}
}

// Run drives the loop until ctx is cancelled. A panic inside one pass is
// caught and the loop restarted; only cancellation stops it.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info().Msg("Redelivery disabled by config")
		return
	}
	s.log.Info().Dur("tick", s.cfg.Tick).Msg("Redelivery scheduler started")
	for ctx.Err() == nil {
		s.runLoop(ctx)
	}
	s.log.Info().Msg("Redelivery scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic_value", r).Msg("Redelivery pass panicked, restarting loop")
		}
	}()

	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.pass()
			timer.Reset(s.nextWait())
		}
	}
}

// nextWait sleeps until the soonest next_attempt, capped at one tick.
func (s *Scheduler) nextWait() time.Duration {
	wait := s.cfg.Tick
	if due, ok := s.tracker.NextDue(); ok {
		if until := time.Until(due); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// pass dead-letters exhausted deliveries, then redelivers everything due.
func (s *Scheduler) pass() {
	for _, dl := range s.tracker.ReapExhausted() {
		if s.deadLetter != nil {
			s.deadLetter(dl)
		}
	}

	due := s.tracker.GetForRedelivery()
	if len(due) == 0 {
		return
	}
	s.log.Debug().Int("due", len(due)).Msg("Redelivering due signals")

	for _, p := range due {
		s.redeliver(p)
	}
}

func (s *Scheduler) redeliver(p *PendingDelivery) {
	sender := s.senders.SenderForSubscription(p.SubscriptionID)
	if sender != nil && sender.IsConnected() {
		if err := s.sendOne(sender, p.Delivery); err != nil {
			s.log.Debug().
				Err(err).
				Str("subscription_id", p.SubscriptionID).
				Str("signal_id", p.Delivery.Signal.ID).
				Int("attempt", p.AttemptCount).
				Msg("Redelivery send failed")
		}
	}
	// Backoff progresses whether or not a live handle existed; a stale
	// handle must not pin the record at its current attempt forever.
	s.tracker.RecordRedelivery(p.SubscriptionID, p.Delivery.Signal.ID)
}

func (s *Scheduler) sendOne(sender session.SignalSender, d *protocol.SignalDelivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic_value", r).Msg("Sender panicked during redelivery")
		}
	}()
	return sender.SendSignal(d)
}
