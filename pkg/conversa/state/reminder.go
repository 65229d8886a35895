package state

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/conversa/pkg/conversa/clock"
)

// RecurringSuffix marks a schedule as daily-recurring ("HH:MM|daily").
const RecurringSuffix = "|daily"

// OneShotLayout is the wire format for one-shot reminder schedules.
const OneShotLayout = "2006-01-02 15:04"

// Reminder is a user-defined reminder scoped to one session.
type Reminder struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`

	// Schedule is either "HH:MM|daily" (recurring) or
	// "YYYY-MM-DD HH:MM" (one-shot).
	Schedule string `json:"schedule"`

	CreatedAt time.Time `json:"created_at"`
}

// Recurring reports whether the reminder repeats daily.
func (r Reminder) Recurring() bool {
	return strings.HasSuffix(r.Schedule, RecurringSuffix)
}

// RecurringTime returns the HH:MM of a recurring reminder.
func (r Reminder) RecurringTime() (hour, minute int, ok bool) {
	hhmm := strings.TrimSuffix(r.Schedule, RecurringSuffix)
	return clock.ParseHHMM(hhmm)
}

// OneShotAt returns the scheduled instant of a one-shot reminder,
// interpreted in the given location.
func (r Reminder) OneShotAt(loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(OneShotLayout, r.Schedule, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// validateSchedule rejects schedules that neither parse as recurring HH:MM
// nor as a one-shot datetime.
func validateSchedule(schedule string) error {
	if strings.HasSuffix(schedule, RecurringSuffix) {
		if _, _, ok := clock.ParseHHMM(strings.TrimSuffix(schedule, RecurringSuffix)); !ok {
			return fmt.Errorf("invalid recurring time %q, want HH:MM|daily", schedule)
		}
		return nil
	}
	if _, err := time.Parse(OneShotLayout, schedule); err != nil {
		return fmt.Errorf("invalid schedule %q, want %q or \"HH:MM|daily\"", schedule, OneShotLayout)
	}
	return nil
}

// ReminderStore is the in-memory set of reminders keyed by ID.
type ReminderStore struct {
	reminders map[string]Reminder
	onChange  func()
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewReminderStore creates an empty reminder store.
func NewReminderStore(logger *slog.Logger) *ReminderStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderStore{
		reminders: make(map[string]Reminder),
		logger:    logger.With("component", "reminders"),
	}
}

// OnChange registers the hook invoked after every mutation.
func (rs *ReminderStore) OnChange(fn func()) { rs.onChange = fn }

func (rs *ReminderStore) notify() {
	if rs.onChange != nil {
		rs.onChange()
	}
}

// Add creates a reminder for the session. The schedule is validated up
// front so malformed entries never reach the evaluator.
func (rs *ReminderStore) Add(sessionID, content, schedule string, now time.Time) (Reminder, error) {
	if strings.TrimSpace(content) == "" {
		return Reminder{}, fmt.Errorf("reminder content is required")
	}
	if err := validateSchedule(schedule); err != nil {
		return Reminder{}, err
	}

	r := Reminder{
		ID:        "r_" + uuid.NewString()[:8],
		SessionID: sessionID,
		Content:   strings.TrimSpace(content),
		Schedule:  schedule,
		CreatedAt: now,
	}

	rs.mu.Lock()
	rs.reminders[r.ID] = r
	rs.mu.Unlock()
	rs.notify()

	rs.logger.Info("reminder added", "id", r.ID, "session", sessionID, "schedule", schedule)
	return r, nil
}

// Delete removes a reminder owned by the given session. Returns false when
// the ID is unknown or belongs to another session.
func (rs *ReminderStore) Delete(id, sessionID string) bool {
	rs.mu.Lock()
	r, ok := rs.reminders[id]
	if !ok || r.SessionID != sessionID {
		rs.mu.Unlock()
		return false
	}
	delete(rs.reminders, id)
	rs.mu.Unlock()
	rs.notify()
	return true
}

// Remove deletes a reminder unconditionally (used after a one-shot fires).
func (rs *ReminderStore) Remove(id string) {
	rs.mu.Lock()
	_, ok := rs.reminders[id]
	delete(rs.reminders, id)
	rs.mu.Unlock()
	if ok {
		rs.notify()
	}
}

// Get returns the reminder by ID.
func (rs *ReminderStore) Get(id string) (Reminder, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.reminders[id]
	return r, ok
}

// ForSession returns the session's reminders ordered by creation time.
func (rs *ReminderStore) ForSession(sessionID string) []Reminder {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []Reminder
	for _, r := range rs.reminders {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// All returns every reminder, ordered by creation time for a stable
// evaluation order.
func (rs *ReminderStore) All() []Reminder {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Reminder, 0, len(rs.reminders))
	for _, r := range rs.reminders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Snapshot returns a copy of all reminders for persistence.
func (rs *ReminderStore) Snapshot() map[string]Reminder {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]Reminder, len(rs.reminders))
	for id, r := range rs.reminders {
		out[id] = r
	}
	return out
}

// Load replaces the store contents with previously persisted data.
func (rs *ReminderStore) Load(data map[string]Reminder) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.reminders = make(map[string]Reminder, len(data))
	for id, r := range data {
		rs.reminders[id] = r
	}
	rs.logger.Info("reminders loaded", "count", len(data))
}
