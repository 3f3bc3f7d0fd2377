package keypool

import (
	"context"
	"errors"
	"testing"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/models"
)

func limit(n int64) *int64 { return &n }

func newTestPool(t *testing.T, catalog models.Catalog, secrets ...string) *Pool {
	t.Helper()
	p := New(quota.New(catalog), errtrack.New(), nil, nil)
	for i, s := range secrets {
		if _, err := p.Add(context.Background(), s, s+"-label"); err != nil {
			t.Fatalf("add credential %d: %v", i, err)
		}
	}
	return p
}

func emptyCatalog() models.Catalog {
	return models.Catalog{Models: map[string]models.ModelConfig{}}
}

func mustSelect(t *testing.T, p *Pool, opts SelectOptions) Credential {
	t.Helper()
	c, err := p.Select(opts)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return c
}

func TestSelectRoundRobinFairness(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb", "sc")

	// With N eligible credentials, each is selected once before any repeats.
	seen := make(map[string]int)
	var firstRound []string
	for i := 0; i < 3; i++ {
		c := mustSelect(t, p, SelectOptions{Consuming: true})
		seen[c.ID]++
		firstRound = append(firstRound, c.ID)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct credentials in first round, got %d", len(seen))
	}
	// The next round repeats the same rotation order.
	for i := 0; i < 3; i++ {
		c := mustSelect(t, p, SelectOptions{Consuming: true})
		if c.ID != firstRound[i] {
			t.Errorf("round 2 position %d: got %s, want %s", i, c.ID, firstRound[i])
		}
	}
}

func TestSelectReadOnlyProbeIsTransparent(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb")

	first := mustSelect(t, p, SelectOptions{Consuming: true})

	// Any number of read-only probes must not change what the next
	// consuming selection returns.
	for i := 0; i < 5; i++ {
		mustSelect(t, p, SelectOptions{Consuming: false})
	}
	second := mustSelect(t, p, SelectOptions{Consuming: true})
	if second.ID == first.ID {
		t.Error("read-only probes starved the other credential of its turn")
	}
}

func TestSelectEmptyPool(t *testing.T) {
	p := newTestPool(t, emptyCatalog())
	if _, err := p.Select(SelectOptions{Consuming: true}); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("got %v, want ErrNoCredentialAvailable", err)
	}
}

func TestSelectSkipsDisabled(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb")
	infos := p.List()
	if err := p.SetEnabled(context.Background(), infos[0].ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	for i := 0; i < 4; i++ {
		c := mustSelect(t, p, SelectOptions{Consuming: true})
		if c.ID == infos[0].ID {
			t.Fatal("selected a disabled credential")
		}
	}
}

func TestSelectSkipsExcludeID(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb")
	failed := mustSelect(t, p, SelectOptions{Consuming: true})

	retry := mustSelect(t, p, SelectOptions{ExcludeID: failed.ID, Consuming: true})
	if retry.ID == failed.ID {
		t.Error("retry selected the excluded credential")
	}
}

func TestSelectSingleCredentialWithExclusion(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	only := mustSelect(t, p, SelectOptions{Consuming: true})

	if _, err := p.Select(SelectOptions{ExcludeID: only.ID, Consuming: true}); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("got %v, want ErrNoCredentialAvailable", err)
	}
}

func TestAuthFailureExcludesUntilCleared(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb")
	ctx := context.Background()

	a := mustSelect(t, p, SelectOptions{Consuming: true})
	p.ReportOutcome(ctx, a.ID, "any-model", AuthFailure(401))

	// Only the other credential is returned while A is excluded.
	for i := 0; i < 3; i++ {
		c := mustSelect(t, p, SelectOptions{Consuming: true})
		if c.ID == a.ID {
			t.Fatal("selected an excluded credential")
		}
	}

	if err := p.ClearError(ctx, a.ID); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	// A becomes eligible again on the call after B.
	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		ids[mustSelect(t, p, SelectOptions{Consuming: true}).ID] = true
	}
	if !ids[a.ID] {
		t.Error("cleared credential did not return to rotation")
	}
}

func TestTransientFailureKeepsCredentialInRotation(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	ctx := context.Background()

	a := mustSelect(t, p, SelectOptions{Consuming: true})
	p.ReportOutcome(ctx, a.ID, "any-model", TransientFailure())

	if _, err := p.Select(SelectOptions{Consuming: true}); err != nil {
		t.Fatalf("transient failure must not exclude the credential: %v", err)
	}
}

func TestSuccessClearsPriorError(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	ctx := context.Background()

	a := mustSelect(t, p, SelectOptions{Consuming: true})
	p.ReportOutcome(ctx, a.ID, "m", AuthFailure(403))
	if len(p.Errored()) != 1 {
		t.Fatal("expected credential to be errored")
	}

	p.ReportOutcome(ctx, a.ID, "m", Success())
	if len(p.Errored()) != 0 {
		t.Error("success must overwrite the prior error state")
	}
}

func TestQuotaExhaustionScenario(t *testing.T) {
	// Key A: flash quota 2/day. Key B: same model, but B joins a catalog
	// where the per-key limit applies uniformly; exhaustion is per key.
	catalog := models.Catalog{
		Models: map[string]models.ModelConfig{
			"flash-model": {Category: models.CategoryFlash, DailyPerKey: limit(2)},
		},
	}
	p := newTestPool(t, catalog, "sa", "sb")
	ctx := context.Background()

	// Exhaust both credentials: 2 calls on each.
	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		c := mustSelect(t, p, SelectOptions{Consuming: true, Model: "flash-model"})
		p.ReportOutcome(ctx, c.ID, "flash-model", Success())
		counts[c.ID]++
	}
	for id, n := range counts {
		if n != 2 {
			t.Errorf("credential %s served %d calls, want 2", id, n)
		}
	}

	if _, err := p.Select(SelectOptions{Consuming: true, Model: "flash-model"}); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("got %v, want ErrNoCredentialAvailable after exhaustion", err)
	}
}

func TestQuotaAsymmetricScenario(t *testing.T) {
	// A has 2/day, B has 1/day: model catalogs are shared, so emulate the
	// asymmetry by pre-charging B with one recorded call.
	catalog := models.Catalog{
		Models: map[string]models.ModelConfig{
			"flash-model": {Category: models.CategoryFlash, DailyPerKey: limit(2)},
		},
	}
	p := newTestPool(t, catalog, "sa", "sb")
	ctx := context.Background()

	b := p.List()[1]
	p.ReportOutcome(ctx, b.ID, "flash-model", Success())

	// Remaining capacity: A=2, B=1. Three selections succeed, the 4th has
	// no eligible credential.
	for i := 0; i < 3; i++ {
		c, err := p.Select(SelectOptions{Consuming: true, Model: "flash-model"})
		if err != nil {
			t.Fatalf("selection %d: %v", i+1, err)
		}
		p.ReportOutcome(ctx, c.ID, "flash-model", Success())
	}
	if _, err := p.Select(SelectOptions{Consuming: true, Model: "flash-model"}); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("got %v, want ErrNoCredentialAvailable", err)
	}
}

func TestSelectDefersQuotaCheckWithoutModel(t *testing.T) {
	catalog := models.Catalog{
		Models: map[string]models.ModelConfig{
			"flash-model": {Category: models.CategoryFlash, DailyPerKey: limit(0)},
		},
	}
	p := newTestPool(t, catalog, "sa")

	// Zero quota makes the credential ineligible for the model...
	if _, err := p.Select(SelectOptions{Consuming: true, Model: "flash-model"}); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("got %v, want ErrNoCredentialAvailable", err)
	}
	// ...but a model-less selection defers the quota gate to the caller.
	if _, err := p.Select(SelectOptions{Consuming: true}); err != nil {
		t.Fatalf("model-less selection: %v", err)
	}
}

func TestAddDuplicateSecret(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	_, err := p.Add(context.Background(), "sa", "different-label")
	if !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("got %v, want ErrDuplicateCredential", err)
	}
}

func TestRemove(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb")
	ctx := context.Background()

	id := p.List()[0].ID
	if err := p.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("got %d credentials, want 1", p.Len())
	}
	if err := p.Remove(ctx, id); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("got %v, want ErrCredentialNotFound", err)
	}

	// The freed secret can be added again.
	if _, err := p.Add(ctx, "sa", "readded"); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
}

func TestRemoveKeepsRotationStable(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa", "sb", "sc")
	ctx := context.Background()

	first := mustSelect(t, p, SelectOptions{Consuming: true})
	if err := p.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The two survivors still alternate.
	x := mustSelect(t, p, SelectOptions{Consuming: true})
	y := mustSelect(t, p, SelectOptions{Consuming: true})
	if x.ID == y.ID {
		t.Error("rotation broken after removal")
	}
}

func TestClearErrorUnknownCredential(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	if err := p.ClearError(context.Background(), "missing"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("got %v, want ErrCredentialNotFound", err)
	}
}

func TestListNeverExposesSecrets(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "super-secret-value")
	ctx := context.Background()

	c := mustSelect(t, p, SelectOptions{Consuming: true})
	p.ReportOutcome(ctx, c.ID, "m", AuthFailure(403))

	for _, info := range p.List() {
		if info.ID == "" || info.Label == "" {
			t.Error("expected id and label in listing")
		}
		if !info.Excluded || info.LastError == nil || info.LastError.Status != 403 {
			t.Error("expected error metadata in listing")
		}
	}
}

func TestReportOutcomeIgnoresInvalidAuthStatus(t *testing.T) {
	p := newTestPool(t, emptyCatalog(), "sa")
	ctx := context.Background()

	a := mustSelect(t, p, SelectOptions{Consuming: true})
	p.ReportOutcome(ctx, a.ID, "m", AuthFailure(500))
	if len(p.Errored()) != 0 {
		t.Error("non-auth status must not create error state")
	}
}
