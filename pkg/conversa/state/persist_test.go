package state

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesTriggers(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { flushes.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1 (triggers must coalesce)", got)
	}
}

func TestDebouncerFlushCancelsPending(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	d := NewDebouncer(time.Hour, func() { flushes.Add(1) })

	d.Trigger()
	d.Flush()

	time.Sleep(20 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want exactly 1 after Flush", got)
	}
}

func TestDebouncerFlushWithoutPendingTimer(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	d := NewDebouncer(time.Hour, func() { flushes.Add(1) })

	d.Flush()
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1 even with no timer pending", got)
	}
}

func TestPersisterRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	sessions := NewSessionStore(nil)
	profiles := NewProfileStore(nil)
	reminders := NewReminderStore(nil)
	p := NewPersister(files, sessions, profiles, reminders, time.Hour, nil)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sessions.Touch("discord:123", now, true)
	sessions.MarkFired("discord:123", "idle@2026-03-10 12:00", now)
	profiles.SetSubscribed("discord:123", true)
	if _, err := reminders.Add("discord:123", "stretch", "09:00|daily", now); err != nil {
		t.Fatal(err)
	}

	p.Flush()

	// Load into a fresh set of stores, as a restart would.
	sessions2 := NewSessionStore(nil)
	profiles2 := NewProfileStore(nil)
	reminders2 := NewReminderStore(nil)
	p2 := NewPersister(files, sessions2, profiles2, reminders2, time.Hour, nil)
	if err := p2.LoadAll(); err != nil {
		t.Fatal(err)
	}

	s := sessions2.View("discord:123")
	if !s.LastUserReply.Equal(now) {
		t.Errorf("LastUserReply = %v, want %v", s.LastUserReply, now)
	}
	if !sessions2.HasFired("discord:123", "idle@2026-03-10 12:00") {
		t.Error("fired tag lost across restart")
	}
	if !profiles2.Get("discord:123").Subscribed {
		t.Error("subscription lost across restart")
	}
	if got := len(reminders2.ForSession("discord:123")); got != 1 {
		t.Errorf("reminders after restart = %d, want 1", got)
	}
}

func TestLoadAllWithEmptyDataDir(t *testing.T) {
	t.Parallel()

	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPersister(files, NewSessionStore(nil), NewProfileStore(nil), NewReminderStore(nil), time.Hour, nil)

	if err := p.LoadAll(); err != nil {
		t.Fatalf("LoadAll on empty dir: %v", err)
	}
}

func TestMutationSchedulesDebouncedWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	sessions := NewSessionStore(nil)
	profiles := NewProfileStore(nil)
	reminders := NewReminderStore(nil)
	NewPersister(files, sessions, profiles, reminders, 20*time.Millisecond, nil)

	sessions.Touch("s1", time.Now(), true)
	time.Sleep(100 * time.Millisecond)

	loaded, err := files.LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded["s1"]; !ok {
		t.Error("mutation was not persisted by the debounced write")
	}
}
