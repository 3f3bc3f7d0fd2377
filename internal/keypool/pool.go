// Package keypool holds the pool of upstream credentials and implements the
// rotation and selection algorithm that combines quota and error state.
//
// Selection scans forward from a rotation cursor, wrapping once, and skips
// credentials that are disabled, excluded after an upstream auth failure, or
// out of quota for the intended model. Consuming selections advance the
// cursor so no credential is preferred twice in a row while alternatives
// exist; read-only probes leave it untouched.
package keypool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/internal/store"
	"github.com/nimbus-labs/key-gateway/models"
)

// Credential is one API key the pool can select for outbound use.
type Credential struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"`
	Label     string    `json:"label"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Info is the externally visible view of a credential: id, label, enabled
// flag, today's usage, and error metadata. Never the secret.
type Info struct {
	ID         string                    `json:"id"`
	Label      string                    `json:"label"`
	Enabled    bool                      `json:"enabled"`
	CreatedAt  time.Time                 `json:"created_at"`
	UsageToday map[models.Category]int64 `json:"usage_today"`
	Excluded   bool                      `json:"excluded"`
	LastError  *errtrack.State           `json:"last_error,omitempty"`
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeAuthFailure
	outcomeTransientFailure
)

// Outcome classifies a completed upstream call for ReportOutcome.
type Outcome struct {
	kind   outcomeKind
	status int
}

// Success reports a call that completed and consumed quota.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// AuthFailure reports an upstream 401/403 rejection of the credential.
func AuthFailure(status int) Outcome { return Outcome{kind: outcomeAuthFailure, status: status} }

// TransientFailure reports any other failed call: timeouts, 429, 5xx,
// malformed responses. It never mutates credential state.
func TransientFailure() Outcome { return Outcome{kind: outcomeTransientFailure} }

// SelectOptions controls a single selection.
type SelectOptions struct {
	// ExcludeID skips one credential, used when retrying after it failed
	// mid-call.
	ExcludeID string
	// Consuming advances the rotation cursor. Read-only probes (listing
	// available models) leave rotation state untouched.
	Consuming bool
	// Model enables the quota gate. When empty the quota check is deferred
	// to the caller and only the enabled/excluded gates apply.
	Model string
}

// Pool owns the credential set, the rotation cursor, and the trackers.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	byID   map[string]*Credential
	secret map[string]string // secret value → credential ID
	cursor int               // index of the last consuming selection

	quota *quota.Tracker
	errs  *errtrack.Tracker
	store store.Store
	log   *slog.Logger

	warnedModels map[string]bool
}

// New creates a Pool. A nil store disables persistence; a nil logger uses
// the process default.
func New(quotaTracker *quota.Tracker, errTracker *errtrack.Tracker, st store.Store, logger *slog.Logger) *Pool {
	if st == nil {
		st = store.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		byID:         make(map[string]*Credential),
		secret:       make(map[string]string),
		cursor:       -1,
		quota:        quotaTracker,
		errs:         errTracker,
		store:        st,
		log:          logger,
		warnedModels: make(map[string]bool),
	}
}

// Load seeds the pool with persisted credentials, preserving their order and
// IDs. Duplicate secrets are skipped with a warning.
func (p *Pool) Load(records []store.CredentialRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		if _, dup := p.secret[rec.Secret]; dup {
			p.log.Warn("skipping persisted credential with duplicate secret", "id", rec.ID)
			continue
		}
		c := &Credential{
			ID:        rec.ID,
			Secret:    rec.Secret,
			Label:     rec.Label,
			Enabled:   rec.Enabled,
			CreatedAt: rec.CreatedAt,
		}
		p.creds = append(p.creds, c)
		p.byID[c.ID] = c
		p.secret[c.Secret] = c.ID
	}
}

// Select returns the next usable credential. The scan starts just after the
// rotation cursor and wraps once; the whole read-scan-advance sequence is one
// critical section so concurrent selections cannot defeat rotation fairness.
func (p *Pool) Select(opts SelectOptions) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return Credential{}, ErrNoCredentialAvailable
	}

	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if !c.Enabled || c.ID == opts.ExcludeID {
			continue
		}
		if p.errs.Excluded(c.ID) {
			continue
		}
		if opts.Model != "" {
			d := p.quota.Check(c.ID, opts.Model)
			p.flagUnconfigured(opts.Model, d)
			if !d.Allowed {
				continue
			}
		}
		if opts.Consuming {
			p.cursor = idx
		}
		return *c, nil
	}

	return Credential{}, ErrNoCredentialAvailable
}

// flagUnconfigured logs the soft-fail-open path once per model. Called with
// p.mu held.
func (p *Pool) flagUnconfigured(model string, d quota.Decision) {
	if model == "" || !d.Unconfigured || p.warnedModels[model] {
		return
	}
	p.warnedModels[model] = true
	p.log.Warn("model has no catalog entry; treating as quota-unconstrained", "model", model)
}

// ReportOutcome accounts for a completed upstream call. Success records
// usage and clears any prior error state; an auth failure excludes the
// credential until cleared; transient failures change nothing.
//
// Persistence failures are logged and do not roll back the in-memory state.
func (p *Pool) ReportOutcome(ctx context.Context, credentialID, model string, outcome Outcome) {
	switch outcome.kind {
	case outcomeSuccess:
		if category, ok := p.quota.CategoryOf(model); ok {
			p.quota.Record(credentialID, category)
			if err := p.store.IncrementUsage(ctx, credentialID, category, p.quota.Today()); err != nil {
				p.log.Warn("persist usage increment failed", "credential", credentialID, "error", err)
			}
		} else {
			p.mu.Lock()
			p.flagUnconfigured(model, quota.Decision{Unconfigured: true})
			p.mu.Unlock()
		}
		p.errs.Clear(credentialID)
		if err := p.store.ClearError(ctx, credentialID); err != nil {
			p.log.Warn("persist error clear failed", "credential", credentialID, "error", err)
		}
	case outcomeAuthFailure:
		if !p.errs.Record(credentialID, outcome.status) {
			return
		}
		state, _ := p.errs.Get(credentialID)
		if err := p.store.SetError(ctx, credentialID, state.Status, state.OccurredAt); err != nil {
			p.log.Warn("persist error state failed", "credential", credentialID, "error", err)
		}
	case outcomeTransientFailure:
		// Presumed transient: the credential stays in rotation.
	}
}

// Add inserts a new credential. Duplicate detection is by secret value, not
// by ID or label.
func (p *Pool) Add(ctx context.Context, secretValue, label string) (Credential, error) {
	p.mu.Lock()
	if _, dup := p.secret[secretValue]; dup {
		p.mu.Unlock()
		return Credential{}, ErrDuplicateCredential
	}
	c := &Credential{
		ID:        uuid.NewString(),
		Secret:    secretValue,
		Label:     label,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	p.creds = append(p.creds, c)
	p.byID[c.ID] = c
	p.secret[c.Secret] = c.ID
	rec := store.CredentialRecord{
		ID:        c.ID,
		Secret:    c.Secret,
		Label:     c.Label,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
	out := *c
	p.mu.Unlock()

	if err := p.store.SaveCredential(ctx, rec); err != nil {
		p.log.Warn("persist credential failed", "credential", rec.ID, "error", err)
	}
	return out, nil
}

// Remove deletes a credential by ID. Its error state is discarded; historical
// usage records persist for reporting.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrCredentialNotFound
	}
	delete(p.byID, id)
	delete(p.secret, c.Secret)
	for i, cand := range p.creds {
		if cand.ID != id {
			continue
		}
		p.creds = append(p.creds[:i], p.creds[i+1:]...)
		if i <= p.cursor {
			p.cursor--
		}
		break
	}
	p.mu.Unlock()

	p.errs.Clear(id)
	if err := p.store.DeleteCredential(ctx, id); err != nil {
		p.log.Warn("persist credential delete failed", "credential", id, "error", err)
	}
	if err := p.store.ClearError(ctx, id); err != nil {
		p.log.Warn("persist error clear failed", "credential", id, "error", err)
	}
	return nil
}

// SetEnabled toggles a credential's enabled flag.
func (p *Pool) SetEnabled(ctx context.Context, id string, enabled bool) error {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrCredentialNotFound
	}
	c.Enabled = enabled
	rec := store.CredentialRecord{
		ID:        c.ID,
		Secret:    c.Secret,
		Label:     c.Label,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
	p.mu.Unlock()

	if err := p.store.SaveCredential(ctx, rec); err != nil {
		p.log.Warn("persist credential failed", "credential", id, "error", err)
	}
	return nil
}

// ClearError removes a credential's error state, restoring its eligibility.
// Clearing a credential that has no error state succeeds.
func (p *Pool) ClearError(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return ErrCredentialNotFound
	}

	p.errs.Clear(id)
	if err := p.store.ClearError(ctx, id); err != nil {
		p.log.Warn("persist error clear failed", "credential", id, "error", err)
	}
	return nil
}

// Get returns a credential by ID, including its secret. Intended for the
// call path, not for listings.
func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

// List returns the externally visible view of every credential in pool
// order, with today's usage and error metadata attached.
func (p *Pool) List() []Info {
	usage := p.quota.Snapshot()
	byCredential := make(map[string]map[models.Category]int64)
	for _, u := range usage {
		m, ok := byCredential[u.CredentialID]
		if !ok {
			m = make(map[models.Category]int64)
			byCredential[u.CredentialID] = m
		}
		m[u.Category] = u.Count
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]Info, 0, len(p.creds))
	for _, c := range p.creds {
		info := Info{
			ID:         c.ID,
			Label:      c.Label,
			Enabled:    c.Enabled,
			CreatedAt:  c.CreatedAt,
			UsageToday: byCredential[c.ID],
		}
		if info.UsageToday == nil {
			info.UsageToday = map[models.Category]int64{}
		}
		if state, ok := p.errs.Get(c.ID); ok {
			info.Excluded = true
			s := state
			info.LastError = &s
		}
		infos = append(infos, info)
	}
	return infos
}

// Errored lists the credentials currently excluded by an auth failure.
func (p *Pool) Errored() []errtrack.Entry {
	return p.errs.List()
}

// Len returns the number of credentials in the pool, enabled or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
