// Package trigger implements the pure decision logic of the proactive
// scheduler: given session state, a subscription profile, the config and
// "now", decide which triggers fire this tick. The evaluator performs no
// side effects; the scheduler applies its decisions (dispatch, tag
// recording, deadline updates).
package trigger

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/jholhewres/conversa/pkg/conversa/clock"
	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/state"
)

// Kind identifies a trigger family.
type Kind string

const (
	KindIdle     Kind = "idle"
	KindDaily    Kind = "daily"
	KindReminder Kind = "reminder"
)

// minuteLayout is the time bucket embedded in minute-granular tags.
const minuteLayout = "2006-01-02 15:04"

// Decision is one trigger firing the scheduler should dispatch.
type Decision struct {
	Kind      Kind
	SessionID string

	// Tag is the dedup ledger key. Recording it prevents this exact
	// firing from repeating; rollover is built into the tag string.
	Tag string

	// Prompt is the prompt template for idle/daily decisions, or the raw
	// reminder content for reminder decisions.
	Prompt string

	// Slot is the 1-based daily slot number (daily decisions only).
	Slot int

	// ReminderID and OneShot describe reminder decisions.
	ReminderID string
	OneShot    bool
}

// Input is the per-session snapshot evaluated each tick.
type Input struct {
	SessionID string
	Now       time.Time
	State     state.SessionState
	Profile   state.SubscriptionProfile
}

// Result is the outcome of evaluating one session.
type Result struct {
	// Unsubscribe means the auto-unsubscribe condition holds; the session
	// is skipped this tick and until resubscribed.
	Unsubscribe bool

	// Quiet means the session is inside its quiet window. No tags are
	// marked, so pending triggers fire on the first tick after it ends.
	Quiet bool

	// ScheduleIdleAt, when non-zero, asks the scheduler to repair an
	// unset idle deadline; firing is deferred to a later tick.
	ScheduleIdleAt time.Time

	// Decisions are the triggers firing this tick, in evaluation order.
	Decisions []Decision
}

// Evaluator holds the config and the randomness source for idle jitter.
type Evaluator struct {
	cfg *config.Config

	// randIntn is swappable in tests; defaults to math/rand.Intn.
	randIntn func(n int) int
}

// New creates an evaluator over the given config.
func New(cfg *config.Config) *Evaluator {
	return &Evaluator{cfg: cfg, randIntn: rand.Intn}
}

// Evaluate runs the per-session checks in fixed order: auto-unsubscribe,
// quiet hours, idle, then daily slots (first match wins).
func (e *Evaluator) Evaluate(in Input) Result {
	var res Result

	if e.shouldAutoUnsubscribe(in) {
		res.Unsubscribe = true
		return res
	}

	window := in.Profile.QuietHours
	if window == "" {
		window = e.cfg.QuietHours
	}
	if clock.InQuietWindow(in.Now, window) {
		res.Quiet = true
		return res
	}

	e.evalIdle(in, &res)
	e.evalDaily(in, &res)
	return res
}

func (e *Evaluator) shouldAutoUnsubscribe(in Input) bool {
	if e.cfg.MaxNoReplyDays <= 0 || in.State.LastUserReply.IsZero() {
		return false
	}
	days := int(in.Now.Sub(in.State.LastUserReply).Hours() / 24)
	return days >= e.cfg.MaxNoReplyDays
}

func (e *Evaluator) evalIdle(in Input, res *Result) {
	if !e.cfg.Idle.Enabled {
		return
	}

	if in.State.NextIdleDeadline.IsZero() {
		// Repair path: sessions restored from older data may have no
		// deadline. Schedule from the last activity and defer firing.
		if !in.State.LastActivity.IsZero() {
			res.ScheduleIdleAt = in.State.LastActivity.Add(e.IdleDelay(in.Profile))
		}
		return
	}

	if in.Now.Before(in.State.NextIdleDeadline) {
		return
	}

	tag := "idle@" + in.Now.Format(minuteLayout)
	if _, fired := in.State.FiredTags[tag]; fired {
		return
	}

	prompt := e.pickIdlePrompt()
	if prompt == "" {
		return
	}

	res.Decisions = append(res.Decisions, Decision{
		Kind:      KindIdle,
		SessionID: in.SessionID,
		Tag:       tag,
		Prompt:    prompt,
	})
}

func (e *Evaluator) pickIdlePrompt() string {
	templates := e.cfg.Idle.PromptTemplates
	if len(templates) == 0 {
		return ""
	}
	return templates[e.randIntn(len(templates))]
}

// activeSlot is a normalized daily slot: enabled, parsable, and not
// duplicating an earlier slot's clock-minute.
type activeSlot struct {
	n      int // 1-based slot number
	hour   int
	minute int
	prompt string
}

func (e *Evaluator) activeSlots() []activeSlot {
	var out []activeSlot
	seen := make(map[int]bool)
	for i, slot := range e.cfg.Daily.Slots {
		if !slot.Enabled || slot.Prompt == "" {
			continue
		}
		h, m, ok := clock.ParseHHMM(slot.Time)
		if !ok {
			// Malformed time disables the slot for this evaluation.
			continue
		}
		key := h*60 + m
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, activeSlot{n: i + 1, hour: h, minute: m, prompt: slot.Prompt})
	}
	return out
}

func (e *Evaluator) evalDaily(in Input, res *Result) {
	if !e.cfg.Daily.Enabled || !in.Profile.DailyRemindersEnabled {
		return
	}

	for _, slot := range e.activeSlots() {
		if in.Now.Hour() != slot.hour || in.Now.Minute() != slot.minute {
			continue
		}
		tag := fmt.Sprintf("daily%d@%s %02d:%02d",
			slot.n, in.Now.Format("2006-01-02"), slot.hour, slot.minute)
		if _, fired := in.State.FiredTags[tag]; fired {
			continue
		}

		// One daily slot per tick per session bounds LLM calls.
		res.Decisions = append(res.Decisions, Decision{
			Kind:      KindDaily,
			SessionID: in.SessionID,
			Tag:       tag,
			Prompt:    slot.prompt,
			Slot:      slot.n,
		})
		return
	}
}

// IdleDelay computes the idle delay for a session: the per-session
// override verbatim when set, otherwise the global base with uniform
// jitter, clamped to the configured floor.
func (e *Evaluator) IdleDelay(p state.SubscriptionProfile) time.Duration {
	if p.IdleAfterMinutes > 0 {
		return time.Duration(p.IdleAfterMinutes) * time.Minute
	}

	base := e.cfg.Idle.AfterMinutes
	if base <= 0 {
		base = 45
	}
	minutes := base
	if f := e.cfg.Idle.FluctuationMinutes; f > 0 {
		minutes += e.randIntn(2*f+1) - f
	}
	floor := e.cfg.Idle.MinMinutes
	if floor <= 0 {
		floor = 30
	}
	if minutes < floor {
		minutes = floor
	}
	return time.Duration(minutes) * time.Minute
}

// EvaluateReminders runs the global reminder pass against the full reminder
// set. fired consults the owning session's dedup ledger.
func (e *Evaluator) EvaluateReminders(now time.Time, reminders []state.Reminder, fired func(sessionID, tag string) bool) []Decision {
	var out []Decision
	for _, r := range reminders {
		if r.Recurring() {
			h, m, ok := r.RecurringTime()
			if !ok {
				continue
			}
			if now.Hour() != h || now.Minute() != m {
				continue
			}
			tag := "remind_daily_" + r.ID + "@" + now.Format("2006-01-02")
			if fired(r.SessionID, tag) {
				continue
			}
			out = append(out, Decision{
				Kind:       KindReminder,
				SessionID:  r.SessionID,
				Tag:        tag,
				Prompt:     r.Content,
				ReminderID: r.ID,
			})
			continue
		}

		at, ok := r.OneShotAt(now.Location())
		if !ok {
			continue
		}
		if now.Truncate(time.Minute).Before(at) {
			continue
		}
		tag := "remind_once_" + r.ID + "@" + at.Format(minuteLayout)
		if fired(r.SessionID, tag) {
			continue
		}
		out = append(out, Decision{
			Kind:       KindReminder,
			SessionID:  r.SessionID,
			Tag:        tag,
			Prompt:     r.Content,
			ReminderID: r.ID,
			OneShot:    true,
		})
	}
	return out
}
