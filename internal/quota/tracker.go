// Package quota tracks daily usage counters per credential and per category
// against the limits declared in the model catalog.
//
// Counters are keyed by (credential, category, UTC calendar day); the absence
// of today's record means zero, so a new day "resets" usage implicitly and no
// reset job exists. Counts never decrease. Historical records survive for
// reporting but only exact-day matches are consulted for quota checks.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/nimbus-labs/key-gateway/models"
)

const dayFormat = "2006-01-02"

type usageKey struct {
	credentialID string
	category     models.Category
	day          string
}

type aggregateKey struct {
	category models.Category
	day      string
}

// Usage is one (credential, category, day) counter, used for persistence
// seeding and reporting.
type Usage struct {
	CredentialID string          `json:"credential_id"`
	Category     models.Category `json:"category"`
	Day          string          `json:"day"`
	Count        int64           `json:"count"`
}

// Decision is the outcome of a quota check for a (credential, model) pair.
// Unconfigured is set when the model has no catalog entry: the call is
// allowed (soft-fail open) but the caller should flag the configuration gap.
type Decision struct {
	Allowed      bool
	Unconfigured bool
	Category     models.Category
}

// Tracker maintains the in-memory usage counters.
type Tracker struct {
	mu          sync.Mutex
	catalog     models.Catalog
	perKey      map[usageKey]int64
	perCategory map[aggregateKey]int64
	now         func() time.Time
}

// New creates a Tracker over the given catalog using the real clock.
func New(catalog models.Catalog) *Tracker {
	return NewWithClock(catalog, time.Now)
}

// NewWithClock creates a Tracker with an injected clock. The clock is the
// single canonical source of "today" for the whole tracker; days are UTC.
func NewWithClock(catalog models.Catalog, now func() time.Time) *Tracker {
	return &Tracker{
		catalog:     catalog,
		perKey:      make(map[usageKey]int64),
		perCategory: make(map[aggregateKey]int64),
		now:         now,
	}
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(dayFormat)
}

// Today returns the current canonical day key. All day boundaries in the
// system derive from the tracker's clock.
func (t *Tracker) Today() string {
	return t.today()
}

// Check reports whether a call with the given credential and model is within
// quota. Both ceilings must hold: the per-key limit from the model's catalog
// entry and the category's aggregate limit.
func (t *Tracker) Check(credentialID, model string) Decision {
	mc, ok := t.catalog.Lookup(model)
	if !ok {
		return Decision{Allowed: true, Unconfigured: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	day := t.today()

	if mc.DailyPerKey != nil {
		used := t.perKey[usageKey{credentialID: credentialID, category: mc.Category, day: day}]
		if used >= *mc.DailyPerKey {
			return Decision{Allowed: false, Category: mc.Category}
		}
	}
	if limit, capped := t.catalog.CategoryLimit(mc.Category); capped {
		used := t.perCategory[aggregateKey{category: mc.Category, day: day}]
		if used >= limit {
			return Decision{Allowed: false, Category: mc.Category}
		}
	}
	return Decision{Allowed: true, Category: mc.Category}
}

// CategoryOf resolves a model identifier to its catalog category.
func (t *Tracker) CategoryOf(model string) (models.Category, bool) {
	mc, ok := t.catalog.Lookup(model)
	if !ok {
		return "", false
	}
	return mc.Category, true
}

// Record attributes one call to (credential, category, today) and to the
// category aggregate. It is the only mutator and never decrements.
func (t *Tracker) Record(credentialID string, category models.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	day := t.today()
	t.perKey[usageKey{credentialID: credentialID, category: category, day: day}]++
	t.perCategory[aggregateKey{category: category, day: day}]++
}

// Remaining returns today's remaining per-key quota for a credential in a
// category. The second return is false when the credential is unlimited for
// that category (no model in the category declares a per-key limit).
//
// When several models in one category declare different per-key limits the
// strictest one is reported, matching the tightest check Check can apply.
func (t *Tracker) Remaining(credentialID string, category models.Category) (int64, bool) {
	limit, capped := t.perKeyLimit(category)
	if !capped {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	used := t.perKey[usageKey{credentialID: credentialID, category: category, day: t.today()}]
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// CategoryRemaining returns today's remaining aggregate quota for a category.
// The second return is false when the category has no aggregate ceiling.
func (t *Tracker) CategoryRemaining(category models.Category) (int64, bool) {
	limit, capped := t.catalog.CategoryLimit(category)
	if !capped {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	used := t.perCategory[aggregateKey{category: category, day: t.today()}]
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (t *Tracker) perKeyLimit(category models.Category) (int64, bool) {
	var limit int64
	capped := false
	for _, mc := range t.catalog.Models {
		if mc.Category != category || mc.DailyPerKey == nil {
			continue
		}
		if !capped || *mc.DailyPerKey < limit {
			limit = *mc.DailyPerKey
			capped = true
		}
	}
	return limit, capped
}

// Snapshot returns today's usage records, ordered by credential then
// category, for listings and reporting.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	day := t.today()

	records := make([]Usage, 0, len(t.perKey))
	for k, count := range t.perKey {
		if k.day != day {
			continue
		}
		records = append(records, Usage{
			CredentialID: k.credentialID,
			Category:     k.category,
			Day:          k.day,
			Count:        count,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CredentialID != records[j].CredentialID {
			return records[i].CredentialID < records[j].CredentialID
		}
		return records[i].Category < records[j].Category
	})
	return records
}

// Load seeds persisted usage records. Stale-day records are stored as-is;
// they are never consulted for checks because only exact-day matches count.
func (t *Tracker) Load(records []Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		t.perKey[usageKey{credentialID: r.CredentialID, category: r.Category, day: r.Day}] += r.Count
		t.perCategory[aggregateKey{category: r.Category, day: r.Day}] += r.Count
	}
}
