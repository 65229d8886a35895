// Package state holds the mutable per-session data behind the proactive
// scheduler: activity timestamps, the fired-tag dedup ledger, subscription
// profiles and reminders. All stores are mutex-guarded; inbound activity and
// the scheduler tick mutate them concurrently.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// tagTTL bounds the fired-tag ledger. Tags embed a calendar day or exact
// minute, so anything older than this can never block a future firing.
const tagTTL = 7 * 24 * time.Hour

// Message is one entry of conversation history in LLM chat form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionState is the runtime state of one tracked conversation.
type SessionState struct {
	// LastActivity is the last inbound or outbound activity.
	LastActivity time.Time `json:"last_activity_ts"`

	// LastUserReply is the last time the human participant spoke.
	// Drives auto-unsubscribe.
	LastUserReply time.Time `json:"last_user_reply_ts"`

	// ConsecutiveNoReply counts failed or unconfirmed proactive sends.
	ConsecutiveNoReply int `json:"consecutive_no_reply_count"`

	// NextIdleDeadline is when the idle trigger becomes eligible.
	// Zero means unscheduled.
	NextIdleDeadline time.Time `json:"next_idle_deadline"`

	// FiredTags is the dedup ledger: tag -> when it fired. A tag present
	// here never fires its trigger again; rollover happens because tags
	// embed the calendar day and/or exact minute.
	FiredTags map[string]time.Time `json:"fired_tags"`

	// Cache is the bounded recent-message cache, the fallback history
	// source when no durable history is available.
	Cache []Message `json:"cache,omitempty"`
}

func newSessionState() *SessionState {
	return &SessionState{FiredTags: make(map[string]time.Time)}
}

// clone returns a deep copy safe to read outside the store lock.
func (s *SessionState) clone() SessionState {
	out := *s
	out.FiredTags = make(map[string]time.Time, len(s.FiredTags))
	for k, v := range s.FiredTags {
		out.FiredTags[k] = v
	}
	out.Cache = append([]Message(nil), s.Cache...)
	return out
}

// SessionStore is the in-memory map of session ID to SessionState.
// Every mutation notifies the registered onChange hook (the persistence
// debouncer).
type SessionStore struct {
	sessions map[string]*SessionState
	onChange func()
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: make(map[string]*SessionState),
		logger:   logger.With("component", "sessions"),
	}
}

// OnChange registers the hook invoked after every mutation.
func (st *SessionStore) OnChange(fn func()) { st.onChange = fn }

func (st *SessionStore) notify() {
	if st.onChange != nil {
		st.onChange()
	}
}

// get returns the live state, creating it lazily (caller must hold mu).
func (st *SessionStore) get(id string) *SessionState {
	s, ok := st.sessions[id]
	if !ok {
		s = newSessionState()
		st.sessions[id] = s
	}
	return s
}

// View returns a copy of the session state, creating the session lazily.
func (st *SessionStore) View(id string) SessionState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.get(id).clone()
}

// Touch records activity: updates LastActivity and, for human activity,
// LastUserReply while resetting the no-reply counter.
func (st *SessionStore) Touch(id string, now time.Time, fromUser bool) {
	st.mu.Lock()
	s := st.get(id)
	s.LastActivity = now
	if fromUser {
		s.LastUserReply = now
		s.ConsecutiveNoReply = 0
	}
	st.mu.Unlock()
	st.notify()
}

// SetIdleDeadline schedules the idle trigger for the session.
func (st *SessionStore) SetIdleDeadline(id string, at time.Time) {
	st.mu.Lock()
	st.get(id).NextIdleDeadline = at
	st.mu.Unlock()
	st.notify()
}

// ClearIdleDeadline unschedules the idle trigger; the next activity event
// reschedules it.
func (st *SessionStore) ClearIdleDeadline(id string) {
	st.SetIdleDeadline(id, time.Time{})
}

// HasFired reports whether the tag is present in the session's dedup ledger.
func (st *SessionStore) HasFired(id, tag string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return false
	}
	_, fired := s.FiredTags[tag]
	return fired
}

// MarkFired records a tag in the dedup ledger and lazily prunes entries
// older than the TTL.
func (st *SessionStore) MarkFired(id, tag string, now time.Time) {
	st.mu.Lock()
	s := st.get(id)
	s.FiredTags[tag] = now
	for t, at := range s.FiredTags {
		if now.Sub(at) > tagTTL {
			delete(s.FiredTags, t)
		}
	}
	st.mu.Unlock()
	st.notify()
}

// BumpNoReply increments the consecutive no-reply counter.
func (st *SessionStore) BumpNoReply(id string) {
	st.mu.Lock()
	st.get(id).ConsecutiveNoReply++
	st.mu.Unlock()
	st.notify()
}

// AppendCache appends a message to the bounded context cache.
func (st *SessionStore) AppendCache(id string, msg Message, limit int) {
	if msg.Content == "" {
		return
	}
	if limit <= 0 {
		limit = 32
	}
	st.mu.Lock()
	s := st.get(id)
	s.Cache = append(s.Cache, msg)
	if len(s.Cache) > limit {
		s.Cache = s.Cache[len(s.Cache)-limit:]
	}
	st.mu.Unlock()
	st.notify()
}

// CachedHistory returns a copy of the session's context cache.
func (st *SessionStore) CachedHistory(id string) []Message {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	return append([]Message(nil), s.Cache...)
}

// Snapshot returns a deep copy of all sessions for persistence.
func (st *SessionStore) Snapshot() map[string]SessionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]SessionState, len(st.sessions))
	for id, s := range st.sessions {
		out[id] = s.clone()
	}
	return out
}

// Load replaces the store contents with previously persisted data.
func (st *SessionStore) Load(data map[string]SessionState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*SessionState, len(data))
	for id, s := range data {
		cp := s.clone()
		if cp.FiredTags == nil {
			cp.FiredTags = make(map[string]time.Time)
		}
		st.sessions[id] = &cp
	}
	st.logger.Info("session states loaded", "count", len(data))
}

// IDs returns all known session IDs, sorted for deterministic iteration.
func (st *SessionStore) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
