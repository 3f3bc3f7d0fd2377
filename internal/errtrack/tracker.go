// Package errtrack records upstream authentication failures per credential.
//
// Only 401 and 403 responses are tracked: they indicate a credential the
// upstream has rejected outright. Everything else (timeouts, 429, 5xx,
// malformed bodies) is presumed transient and must never exclude a
// credential from rotation.
package errtrack

import (
	"sort"
	"sync"
	"time"
)

// State is the most recent authentication failure observed for a credential.
type State struct {
	Status     int       `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Entry pairs a credential ID with its error state, for listings.
type Entry struct {
	CredentialID string    `json:"credential_id"`
	Status       int       `json:"status"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Tracker holds at most one error state per credential.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
	now    func() time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Tracker with an injected clock for tests.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		states: make(map[string]State),
		now:    now,
	}
}

// Record stores an authentication failure for a credential, overwriting any
// prior one. Statuses other than 401 and 403 are a no-op and return false.
func (t *Tracker) Record(credentialID string, status int) bool {
	if status != 401 && status != 403 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[credentialID] = State{Status: status, OccurredAt: t.now().UTC()}
	return true
}

// Clear removes the error state for a credential. Clearing a credential with
// no error state succeeds silently.
func (t *Tracker) Clear(credentialID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, credentialID)
}

// Excluded reports whether a credential currently has a recorded auth failure.
func (t *Tracker) Excluded(credentialID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.states[credentialID]
	return ok
}

// Get returns the error state for a credential, if any.
func (t *Tracker) Get(credentialID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[credentialID]
	return s, ok
}

// List returns every errored credential, ordered by credential ID.
func (t *Tracker) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, 0, len(t.states))
	for id, s := range t.states {
		entries = append(entries, Entry{CredentialID: id, Status: s.Status, OccurredAt: s.OccurredAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CredentialID < entries[j].CredentialID })
	return entries
}

// Load seeds the tracker with persisted error states, replacing any state
// already present for the same credential. Invalid statuses are skipped.
func (t *Tracker) Load(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if e.Status != 401 && e.Status != 403 {
			continue
		}
		t.states[e.CredentialID] = State{Status: e.Status, OccurredAt: e.OccurredAt}
	}
}
