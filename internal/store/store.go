// Package store persists every mutation the key pool engine makes:
// credential add/remove/enable, usage increments, and error set/clear.
//
// Persistence is synchronous but its failure is independent from whether the
// in-memory mutation is committed: callers log and continue, so the engine
// keeps serving from memory even when the backing store is unavailable.
package store

import (
	"context"
	"time"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/models"
)

// CredentialRecord is the persisted form of a pool credential.
type CredentialRecord struct {
	ID        string
	Secret    string
	Label     string
	Enabled   bool
	CreatedAt time.Time
}

// Store is the persistence collaborator for the engine.
type Store interface {
	// LoadCredentials returns every persisted credential in creation order.
	LoadCredentials(ctx context.Context) ([]CredentialRecord, error)
	// SaveCredential inserts or updates a credential record.
	SaveCredential(ctx context.Context, rec CredentialRecord) error
	// DeleteCredential removes a credential record.
	DeleteCredential(ctx context.Context, id string) error

	// LoadUsage returns the usage records for a single calendar day.
	LoadUsage(ctx context.Context, day string) ([]quota.Usage, error)
	// IncrementUsage adds one call to a (credential, category, day) record,
	// creating it lazily.
	IncrementUsage(ctx context.Context, credentialID string, category models.Category, day string) error

	// LoadErrors returns every persisted error state.
	LoadErrors(ctx context.Context) ([]errtrack.Entry, error)
	// SetError stores the most recent auth failure for a credential.
	SetError(ctx context.Context, credentialID string, status int, occurredAt time.Time) error
	// ClearError removes the error state for a credential, if any.
	ClearError(ctx context.Context, credentialID string) error

	Close() error
}

// Noop discards all writes and loads nothing. Used when the engine runs
// without durable state (tests, ephemeral deployments).
type Noop struct{}

var _ Store = Noop{}

func (Noop) LoadCredentials(context.Context) ([]CredentialRecord, error) { return nil, nil }

func (Noop) SaveCredential(context.Context, CredentialRecord) error { return nil }

func (Noop) DeleteCredential(context.Context, string) error { return nil }

func (Noop) LoadUsage(context.Context, string) ([]quota.Usage, error) { return nil, nil }

func (Noop) IncrementUsage(context.Context, string, models.Category, string) error { return nil }

func (Noop) LoadErrors(context.Context) ([]errtrack.Entry, error) { return nil, nil }

func (Noop) SetError(context.Context, string, int, time.Time) error { return nil }

func (Noop) ClearError(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }
