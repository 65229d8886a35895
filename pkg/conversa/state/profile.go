package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// minIdleOverrideMinutes is the floor for explicit per-session idle delays.
const minIdleOverrideMinutes = 30

// SubscriptionProfile is the per-session opt-in flag plus personalization
// overrides. Only subscribed sessions are evaluated by the scheduler.
type SubscriptionProfile struct {
	// Subscribed opts the session into proactive messaging.
	Subscribed bool `json:"subscribed"`

	// IdleAfterMinutes overrides the global idle delay verbatim (no
	// jitter). 0 means "use the global default with random fluctuation".
	IdleAfterMinutes int `json:"idle_after_minutes,omitempty"`

	// DailyRemindersEnabled gates the daily greeting slots for this session.
	DailyRemindersEnabled bool `json:"daily_reminders_enabled"`

	// QuietHours overrides the global quiet window ("HH:MM-HH:MM").
	// Empty means use the global window.
	QuietHours string `json:"quiet_hours,omitempty"`
}

func defaultProfile() SubscriptionProfile {
	return SubscriptionProfile{DailyRemindersEnabled: true}
}

// ProfileStore is the in-memory map of session ID to SubscriptionProfile.
type ProfileStore struct {
	profiles map[string]SubscriptionProfile
	onChange func()
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewProfileStore creates an empty profile store.
func NewProfileStore(logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		profiles: make(map[string]SubscriptionProfile),
		logger:   logger.With("component", "profiles"),
	}
}

// OnChange registers the hook invoked after every mutation.
func (ps *ProfileStore) OnChange(fn func()) { ps.onChange = fn }

func (ps *ProfileStore) notify() {
	if ps.onChange != nil {
		ps.onChange()
	}
}

// Get returns the profile for the session, or the default profile when the
// session has never been seen.
func (ps *ProfileStore) Get(id string) SubscriptionProfile {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.profiles[id]; ok {
		return p
	}
	return defaultProfile()
}

// Ensure creates the profile with defaults if it does not exist yet.
func (ps *ProfileStore) Ensure(id string) {
	ps.mu.Lock()
	_, ok := ps.profiles[id]
	if !ok {
		ps.profiles[id] = defaultProfile()
	}
	ps.mu.Unlock()
	if !ok {
		ps.notify()
	}
}

// SetSubscribed flips the opt-in flag for the session.
func (ps *ProfileStore) SetSubscribed(id string, subscribed bool) {
	ps.mu.Lock()
	p, ok := ps.profiles[id]
	if !ok {
		p = defaultProfile()
	}
	p.Subscribed = subscribed
	ps.profiles[id] = p
	ps.mu.Unlock()
	ps.notify()
}

// SetIdleAfterMinutes sets a per-session idle delay override. Values below
// the 30-minute floor are rejected; 0 clears the override.
func (ps *ProfileStore) SetIdleAfterMinutes(id string, minutes int) error {
	if minutes != 0 && minutes < minIdleOverrideMinutes {
		return fmt.Errorf("idle delay must be at least %d minutes", minIdleOverrideMinutes)
	}
	ps.mu.Lock()
	p, ok := ps.profiles[id]
	if !ok {
		p = defaultProfile()
	}
	p.IdleAfterMinutes = minutes
	ps.profiles[id] = p
	ps.mu.Unlock()
	ps.notify()
	return nil
}

// SetQuietHours sets a per-session quiet window override ("" clears it).
func (ps *ProfileStore) SetQuietHours(id, window string) {
	ps.mu.Lock()
	p, ok := ps.profiles[id]
	if !ok {
		p = defaultProfile()
	}
	p.QuietHours = window
	ps.profiles[id] = p
	ps.mu.Unlock()
	ps.notify()
}

// SetDailyEnabled gates daily greetings for the session.
func (ps *ProfileStore) SetDailyEnabled(id string, enabled bool) {
	ps.mu.Lock()
	p, ok := ps.profiles[id]
	if !ok {
		p = defaultProfile()
	}
	p.DailyRemindersEnabled = enabled
	ps.profiles[id] = p
	ps.mu.Unlock()
	ps.notify()
}

// SubscribedIDs returns the IDs of all subscribed sessions, sorted so that
// a tick evaluates sessions in a stable order.
func (ps *ProfileStore) SubscribedIDs() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	ids := make([]string, 0, len(ps.profiles))
	for id, p := range ps.profiles {
		if p.Subscribed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of all profiles for persistence.
func (ps *ProfileStore) Snapshot() map[string]SubscriptionProfile {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]SubscriptionProfile, len(ps.profiles))
	for id, p := range ps.profiles {
		out[id] = p
	}
	return out
}

// Load replaces the store contents with previously persisted data.
func (ps *ProfileStore) Load(data map[string]SubscriptionProfile) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.profiles = make(map[string]SubscriptionProfile, len(data))
	for id, p := range data {
		ps.profiles[id] = p
	}
	ps.logger.Info("profiles loaded", "count", len(data))
}
