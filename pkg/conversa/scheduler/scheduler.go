// Package scheduler runs the periodic tick loop of the proactive engine.
// Each tick evaluates every subscribed session, dispatches the decisions,
// and applies their side effects (dedup tags, idle deadlines, no-reply
// counters, unsubscribes). Sessions are isolated: a panic in one session's
// evaluation or dispatch never blocks the rest of the tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/conversa/pkg/conversa/clock"
	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/dispatch"
	"github.com/jholhewres/conversa/pkg/conversa/state"
	"github.com/jholhewres/conversa/pkg/conversa/trigger"
)

// Flusher is the persistence hook invoked on shutdown.
type Flusher interface {
	Flush()
}

// Scheduler drives the tick loop.
type Scheduler struct {
	cfg        *config.Config
	eval       *trigger.Evaluator
	dispatcher *dispatch.Dispatcher
	sessions   *state.SessionStore
	profiles   *state.ProfileStore
	reminders  *state.ReminderStore
	persist    Flusher
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. persist may be nil.
func New(cfg *config.Config, eval *trigger.Evaluator, dispatcher *dispatch.Dispatcher, sessions *state.SessionStore, profiles *state.ProfileStore, reminders *state.ReminderStore, persist Flusher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		eval:       eval,
		dispatcher: dispatcher,
		sessions:   sessions,
		profiles:   profiles,
		reminders:  reminders,
		persist:    persist,
		logger:     logger.With("component", "scheduler"),
	}
}

// Start launches the tick loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		interval := s.cfg.TickInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				if s.persist != nil {
					s.persist.Flush()
				}
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx, clock.Now(s.cfg.Timezone))
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs one full evaluation pass at the given instant. Exported so the
// serve path and tests can drive it directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if !s.cfg.Enabled {
		return
	}

	for _, id := range s.profiles.SubscribedIDs() {
		if ctx.Err() != nil {
			return
		}
		s.tickSession(ctx, id, now)
	}

	if s.cfg.Reminders.Enabled {
		s.tickReminders(ctx, now)
	}
}

// tickSession evaluates and dispatches one session, containing panics so a
// broken session cannot poison the tick.
func (s *Scheduler) tickSession(ctx context.Context, id string, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session tick panicked", "session", id, "panic", r)
		}
	}()

	res := s.eval.Evaluate(trigger.Input{
		SessionID: id,
		Now:       now,
		State:     s.sessions.View(id),
		Profile:   s.profiles.Get(id),
	})

	if res.Unsubscribe {
		s.profiles.SetSubscribed(id, false)
		s.logger.Info("session auto-unsubscribed after prolonged silence", "session", id)
		return
	}
	if res.Quiet {
		return
	}
	if !res.ScheduleIdleAt.IsZero() {
		s.sessions.SetIdleDeadline(id, res.ScheduleIdleAt)
	}

	for _, dec := range res.Decisions {
		if !s.dispatcher.Dispatch(ctx, dec, now) {
			s.sessions.BumpNoReply(id)
			continue
		}
		// Tags are recorded only after a successful send, so a transient
		// failure retries on the next tick.
		s.sessions.MarkFired(id, dec.Tag, now)
		if dec.Kind == trigger.KindIdle {
			s.sessions.ClearIdleDeadline(id)
		}
		s.cooldown(ctx)
	}
}

// tickReminders runs the global reminder pass. Unlike idle and daily, a
// reminder's tag is recorded after the attempt regardless of outcome, and a
// one-shot reminder is removed after its single attempt. Reminders announce
// a fixed instant; retrying late is worse than skipping.
func (s *Scheduler) tickReminders(ctx context.Context, now time.Time) {
	decisions := s.eval.EvaluateReminders(now, s.reminders.All(), s.sessions.HasFired)
	for _, dec := range decisions {
		if ctx.Err() != nil {
			return
		}
		ok := s.dispatcher.Dispatch(ctx, dec, now)
		s.sessions.MarkFired(dec.SessionID, dec.Tag, now)
		if dec.OneShot {
			s.reminders.Remove(dec.ReminderID)
		}
		if !ok {
			s.sessions.BumpNoReply(dec.SessionID)
			s.logger.Warn("reminder dispatch failed", "session", dec.SessionID, "reminder", dec.ReminderID)
			continue
		}
		s.cooldown(ctx)
	}
}

// cooldown pauses between successful sends inside one tick.
func (s *Scheduler) cooldown(ctx context.Context) {
	if s.cfg.ReplyIntervalSeconds <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(s.cfg.ReplyIntervalSeconds) * time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
