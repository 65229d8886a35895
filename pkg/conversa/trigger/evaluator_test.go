package trigger

import (
	"testing"
	"time"

	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/state"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.QuietHours = ""
	cfg.MaxNoReplyDays = 0
	cfg.Idle.PromptTemplates = []string{"idle prompt"}
	cfg.Daily.Slots = []config.DailySlot{
		{Enabled: true, Time: "08:00", Prompt: "morning"},
		{Enabled: true, Time: "13:00", Prompt: "noon"},
		{Enabled: false, Time: "22:00", Prompt: "night"},
	}
	return cfg
}

// fixedRand makes the evaluator deterministic in tests.
func fixedRand(e *Evaluator, v int) {
	e.randIntn = func(n int) int {
		if v >= n {
			return n - 1
		}
		return v
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func subscribed() state.SubscriptionProfile {
	return state.SubscriptionProfile{Subscribed: true, DailyRemindersEnabled: true}
}

func TestIdleFiresAtDeadline(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	fixedRand(e, 0)
	now := at(12, 31)

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State: state.SessionState{
			NextIdleDeadline: at(12, 30),
			FiredTags:        map[string]time.Time{},
		},
		Profile: subscribed(),
	})

	if len(res.Decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(res.Decisions))
	}
	d := res.Decisions[0]
	if d.Kind != KindIdle {
		t.Errorf("kind = %s, want idle", d.Kind)
	}
	if want := "idle@2026-03-10 12:31"; d.Tag != want {
		t.Errorf("tag = %q, want %q", d.Tag, want)
	}
	if d.Prompt != "idle prompt" {
		t.Errorf("prompt = %q", d.Prompt)
	}
}

func TestIdleDoesNotFireBeforeDeadline(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(12, 29),
		State:     state.SessionState{NextIdleDeadline: at(12, 30), FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})
	if len(res.Decisions) != 0 {
		t.Errorf("fired before the deadline: %+v", res.Decisions)
	}
}

func TestIdleMinuteTagDedup(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := at(12, 31)
	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State: state.SessionState{
			NextIdleDeadline: at(12, 30),
			FiredTags:        map[string]time.Time{"idle@2026-03-10 12:31": now},
		},
		Profile: subscribed(),
	})
	if len(res.Decisions) != 0 {
		t.Errorf("idle fired twice in the same minute: %+v", res.Decisions)
	}
}

func TestIdleRepairsMissingDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Idle.FluctuationMinutes = 0
	e := New(cfg)

	lastActivity := at(10, 0)
	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(12, 0),
		State:     state.SessionState{LastActivity: lastActivity, FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})

	if len(res.Decisions) != 0 {
		t.Errorf("repair tick must not fire, got %+v", res.Decisions)
	}
	want := lastActivity.Add(45 * time.Minute)
	if !res.ScheduleIdleAt.Equal(want) {
		t.Errorf("ScheduleIdleAt = %v, want %v", res.ScheduleIdleAt, want)
	}
}

func TestIdleDelayJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	for v := 0; v <= 30; v++ {
		fixedRand(e, v)
		d := e.IdleDelay(subscribed())
		if d < 30*time.Minute || d > 60*time.Minute {
			t.Errorf("IdleDelay with jitter draw %d = %v, want within [30m, 60m]", v, d)
		}
	}
}

func TestIdleDelayOverrideIsVerbatim(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	fixedRand(e, 0)
	p := subscribed()
	p.IdleAfterMinutes = 90
	if d := e.IdleDelay(p); d != 90*time.Minute {
		t.Errorf("IdleDelay override = %v, want 90m", d)
	}
}

func TestQuietHoursPreserveTriggers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QuietHours = "23:00-07:00"
	e := New(cfg)
	fixedRand(e, 0)

	st := state.SessionState{NextIdleDeadline: at(1, 0), FiredTags: map[string]time.Time{}}

	res := e.Evaluate(Input{SessionID: "s1", Now: at(3, 0), State: st, Profile: subscribed()})
	if !res.Quiet || len(res.Decisions) != 0 {
		t.Fatalf("expected quiet suppression, got quiet=%v decisions=%+v", res.Quiet, res.Decisions)
	}

	// First tick after the window ends fires the pending trigger.
	res = e.Evaluate(Input{SessionID: "s1", Now: at(7, 1), State: st, Profile: subscribed()})
	if res.Quiet || len(res.Decisions) != 1 {
		t.Errorf("pending trigger lost after quiet window: quiet=%v decisions=%+v", res.Quiet, res.Decisions)
	}
}

func TestProfileQuietHoursOverride(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	p := subscribed()
	p.QuietHours = "02:00-04:00"

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(3, 0),
		State:     state.SessionState{FiredTags: map[string]time.Time{}},
		Profile:   p,
	})
	if !res.Quiet {
		t.Error("per-session quiet window not honored")
	}
}

func TestAutoUnsubscribeAfterSilence(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxNoReplyDays = 7
	e := New(cfg)

	now := at(12, 0)
	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State: state.SessionState{
			LastUserReply:    now.AddDate(0, 0, -8),
			NextIdleDeadline: now.Add(-time.Hour),
			FiredTags:        map[string]time.Time{},
		},
		Profile: subscribed(),
	})
	if !res.Unsubscribe {
		t.Fatal("expected auto-unsubscribe after 8 silent days")
	}
	if len(res.Decisions) != 0 {
		t.Errorf("unsubscribing session still produced decisions: %+v", res.Decisions)
	}

	// Six days of silence is under the threshold.
	res = e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State:     state.SessionState{LastUserReply: now.AddDate(0, 0, -6), FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})
	if res.Unsubscribe {
		t.Error("unsubscribed before the threshold")
	}
}

func TestDailySlotFiresOncePerDay(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := at(8, 0)

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State:     state.SessionState{FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})
	if len(res.Decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(res.Decisions))
	}
	d := res.Decisions[0]
	if d.Kind != KindDaily || d.Slot != 1 || d.Prompt != "morning" {
		t.Errorf("unexpected decision %+v", d)
	}
	if want := "daily1@2026-03-10 08:00"; d.Tag != want {
		t.Errorf("tag = %q, want %q", d.Tag, want)
	}

	// Same minute, tag recorded: no refire.
	res = e.Evaluate(Input{
		SessionID: "s1",
		Now:       now,
		State:     state.SessionState{FiredTags: map[string]time.Time{d.Tag: now}},
		Profile:   subscribed(),
	})
	if len(res.Decisions) != 0 {
		t.Errorf("daily slot fired twice: %+v", res.Decisions)
	}
}

func TestDailyDuplicateSlotCollapsed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Daily.Slots = []config.DailySlot{
		{Enabled: true, Time: "08:00", Prompt: "first"},
		{Enabled: true, Time: "08:00", Prompt: "second"},
	}
	e := New(cfg)

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(8, 0),
		State:     state.SessionState{FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})
	if len(res.Decisions) != 1 {
		t.Fatalf("decisions = %d, want 1 (duplicate slot must collapse)", len(res.Decisions))
	}
	if d := res.Decisions[0]; d.Slot != 1 || d.Prompt != "first" {
		t.Errorf("collapse kept wrong slot: %+v", d)
	}
}

func TestDailyRespectsProfileToggle(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	p := subscribed()
	p.DailyRemindersEnabled = false

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(8, 0),
		State:     state.SessionState{FiredTags: map[string]time.Time{}},
		Profile:   p,
	})
	if len(res.Decisions) != 0 {
		t.Errorf("daily fired despite per-session opt-out: %+v", res.Decisions)
	}
}

func TestDailySkipsMalformedSlotTime(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Daily.Slots = []config.DailySlot{
		{Enabled: true, Time: "8am", Prompt: "bad"},
		{Enabled: true, Time: "08:00", Prompt: "good"},
	}
	e := New(cfg)

	res := e.Evaluate(Input{
		SessionID: "s1",
		Now:       at(8, 0),
		State:     state.SessionState{FiredTags: map[string]time.Time{}},
		Profile:   subscribed(),
	})
	if len(res.Decisions) != 1 || res.Decisions[0].Prompt != "good" {
		t.Errorf("malformed slot not skipped cleanly: %+v", res.Decisions)
	}
	// Slot numbering follows config position, not the filtered list.
	if res.Decisions[0].Slot != 2 {
		t.Errorf("slot = %d, want 2", res.Decisions[0].Slot)
	}
}

func TestRecurringReminderFiresAtItsMinute(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	reminders := []state.Reminder{
		{ID: "r1", SessionID: "s1", Content: "water", Schedule: "09:30|daily"},
	}

	neverFired := func(string, string) bool { return false }

	decs := e.EvaluateReminders(at(9, 30), reminders, neverFired)
	if len(decs) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decs))
	}
	d := decs[0]
	if d.Kind != KindReminder || d.OneShot || d.ReminderID != "r1" {
		t.Errorf("unexpected decision %+v", d)
	}
	if want := "remind_daily_r1@2026-03-10"; d.Tag != want {
		t.Errorf("tag = %q, want %q", d.Tag, want)
	}

	if decs := e.EvaluateReminders(at(9, 31), reminders, neverFired); len(decs) != 0 {
		t.Errorf("recurring reminder fired off-minute: %+v", decs)
	}

	alreadyFired := func(_, tag string) bool { return tag == "remind_daily_r1@2026-03-10" }
	if decs := e.EvaluateReminders(at(9, 30), reminders, alreadyFired); len(decs) != 0 {
		t.Errorf("recurring reminder refired on the same day: %+v", decs)
	}
}

func TestOneShotReminderFiresWhenDue(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	reminders := []state.Reminder{
		{ID: "r2", SessionID: "s1", Content: "call", Schedule: "2026-03-10 15:00"},
	}
	neverFired := func(string, string) bool { return false }

	if decs := e.EvaluateReminders(at(14, 59), reminders, neverFired); len(decs) != 0 {
		t.Errorf("one-shot fired early: %+v", decs)
	}

	decs := e.EvaluateReminders(at(15, 0), reminders, neverFired)
	if len(decs) != 1 || !decs[0].OneShot {
		t.Fatalf("one-shot did not fire at its instant: %+v", decs)
	}
	if want := "remind_once_r2@2026-03-10 15:00"; decs[0].Tag != want {
		t.Errorf("tag = %q, want %q", decs[0].Tag, want)
	}

	// Due time in the past (daemon was down): still fires.
	if decs := e.EvaluateReminders(at(16, 30), reminders, neverFired); len(decs) != 1 {
		t.Errorf("overdue one-shot skipped: %+v", decs)
	}
}

func TestMalformedReminderScheduleSkipped(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	reminders := []state.Reminder{
		{ID: "r3", SessionID: "s1", Content: "x", Schedule: "whenever"},
		{ID: "r4", SessionID: "s1", Content: "y", Schedule: "99:99|daily"},
	}
	decs := e.EvaluateReminders(at(12, 0), reminders, func(string, string) bool { return false })
	if len(decs) != 0 {
		t.Errorf("malformed schedules produced decisions: %+v", decs)
	}
}
