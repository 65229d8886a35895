// persist.go implements debounced JSON persistence for the state stores.
// Mutations are coalesced: each one (re)starts a single pending timer, and
// only the last scheduled write inside the quiet window touches disk.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	sessionsFile  = "sessions.json"
	profilesFile  = "profiles.json"
	remindersFile = "reminders.json"
)

// Debouncer is a single-slot pending-write timer. Trigger cancels any
// outstanding timer and schedules a new one; Flush runs the write
// immediately and cancels whatever was pending.
type Debouncer struct {
	delay time.Duration
	flush func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer creates a debouncer that calls flush after delay of quiet.
func NewDebouncer(delay time.Duration, flush func()) *Debouncer {
	return &Debouncer{delay: delay, flush: flush}
}

// Trigger schedules (or reschedules) the pending write.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.flush()
	})
}

// Flush cancels any pending timer and writes immediately. Used on shutdown
// for the final unconditional flush.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.flush()
}

// Stop cancels any pending timer without flushing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// FileStore persists the three state maps as indented JSON files in a
// single data directory. A disk failure is logged by the caller; in-memory
// state stays authoritative until the next successful write.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SaveSessions writes all session states.
func (f *FileStore) SaveSessions(data map[string]SessionState) error {
	return f.write(sessionsFile, data)
}

// LoadSessions reads persisted session states. A missing file yields an
// empty map.
func (f *FileStore) LoadSessions() (map[string]SessionState, error) {
	out := make(map[string]SessionState)
	if err := f.read(sessionsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveProfiles writes all subscription profiles.
func (f *FileStore) SaveProfiles(data map[string]SubscriptionProfile) error {
	return f.write(profilesFile, data)
}

// LoadProfiles reads persisted profiles. A missing file yields an empty map.
func (f *FileStore) LoadProfiles() (map[string]SubscriptionProfile, error) {
	out := make(map[string]SubscriptionProfile)
	if err := f.read(profilesFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveReminders writes all reminders.
func (f *FileStore) SaveReminders(data map[string]Reminder) error {
	return f.write(remindersFile, data)
}

// LoadReminders reads persisted reminders. A missing file yields an empty map.
func (f *FileStore) LoadReminders() (map[string]Reminder, error) {
	out := make(map[string]Reminder)
	if err := f.read(remindersFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) write(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func (f *FileStore) read(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// Persister wires the three stores to a FileStore through one shared
// debouncer: any mutation in any store restarts the same timer, and one
// flush writes everything.
type Persister struct {
	files     *FileStore
	sessions  *SessionStore
	profiles  *ProfileStore
	reminders *ReminderStore
	debounce  *Debouncer
	logger    *slog.Logger
}

// NewPersister creates the persister and hooks the stores' OnChange.
func NewPersister(files *FileStore, sessions *SessionStore, profiles *ProfileStore, reminders *ReminderStore, delay time.Duration, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		files:     files,
		sessions:  sessions,
		profiles:  profiles,
		reminders: reminders,
		logger:    logger.With("component", "persist"),
	}
	p.debounce = NewDebouncer(delay, p.writeAll)

	sessions.OnChange(p.debounce.Trigger)
	profiles.OnChange(p.debounce.Trigger)
	reminders.OnChange(p.debounce.Trigger)
	return p
}

// LoadAll restores all three stores from disk.
func (p *Persister) LoadAll() error {
	sessions, err := p.files.LoadSessions()
	if err != nil {
		return err
	}
	profiles, err := p.files.LoadProfiles()
	if err != nil {
		return err
	}
	reminders, err := p.files.LoadReminders()
	if err != nil {
		return err
	}
	p.sessions.Load(sessions)
	p.profiles.Load(profiles)
	p.reminders.Load(reminders)
	return nil
}

// Flush writes everything immediately, cancelling any pending timer.
func (p *Persister) Flush() { p.debounce.Flush() }

func (p *Persister) writeAll() {
	if err := p.files.SaveSessions(p.sessions.Snapshot()); err != nil {
		p.logger.Error("failed to persist sessions", "error", err)
	}
	if err := p.files.SaveProfiles(p.profiles.Snapshot()); err != nil {
		p.logger.Error("failed to persist profiles", "error", err)
	}
	if err := p.files.SaveReminders(p.reminders.Snapshot()); err != nil {
		p.logger.Error("failed to persist reminders", "error", err)
	}
}
