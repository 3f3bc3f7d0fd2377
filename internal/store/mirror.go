package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/models"
)

const mirrorTimeout = 5 * time.Second

// RedisMirror wraps a Store and additionally propagates every mutation to a
// Redis mirror. Mirroring is asynchronous and best-effort: a mirror failure
// is logged and never affects whether the primary mutation committed.
// Reads always come from the primary.
type RedisMirror struct {
	Store

	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisMirror layers a Redis mirror over primary. prefix namespaces the
// mirror keys (default "keygate").
func NewRedisMirror(primary Store, rdb *redis.Client, prefix string, logger *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "keygate"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{Store: primary, rdb: rdb, prefix: prefix, log: logger}
}

func (m *RedisMirror) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Warn("redis mirror write failed", "op", op, "error", err)
		}
	}()
}

// SaveCredential persists to the primary and mirrors the record as JSON in a
// credentials hash.
func (m *RedisMirror) SaveCredential(ctx context.Context, rec CredentialRecord) error {
	err := m.Store.SaveCredential(ctx, rec)
	payload, marshalErr := json.Marshal(rec)
	if marshalErr == nil {
		m.async("save_credential", func(ctx context.Context) error {
			return m.rdb.HSet(ctx, m.prefix+":credentials", rec.ID, payload).Err()
		})
	}
	return err
}

// DeleteCredential persists to the primary and removes the mirrored record.
func (m *RedisMirror) DeleteCredential(ctx context.Context, id string) error {
	err := m.Store.DeleteCredential(ctx, id)
	m.async("delete_credential", func(ctx context.Context) error {
		return m.rdb.HDel(ctx, m.prefix+":credentials", id).Err()
	})
	return err
}

// IncrementUsage persists to the primary and mirrors the counter via HINCRBY.
func (m *RedisMirror) IncrementUsage(ctx context.Context, credentialID string, category models.Category, day string) error {
	err := m.Store.IncrementUsage(ctx, credentialID, category, day)
	m.async("increment_usage", func(ctx context.Context) error {
		return m.rdb.HIncrBy(ctx, m.prefix+":usage:"+day, credentialID+"/"+string(category), 1).Err()
	})
	return err
}

// SetError persists to the primary and mirrors the error state as JSON.
func (m *RedisMirror) SetError(ctx context.Context, credentialID string, status int, occurredAt time.Time) error {
	err := m.Store.SetError(ctx, credentialID, status, occurredAt)
	payload, marshalErr := json.Marshal(errtrack.State{Status: status, OccurredAt: occurredAt.UTC()})
	if marshalErr == nil {
		m.async("set_error", func(ctx context.Context) error {
			return m.rdb.HSet(ctx, m.prefix+":errors", credentialID, payload).Err()
		})
	}
	return err
}

// ClearError persists to the primary and removes the mirrored error state.
func (m *RedisMirror) ClearError(ctx context.Context, credentialID string) error {
	err := m.Store.ClearError(ctx, credentialID)
	m.async("clear_error", func(ctx context.Context) error {
		return m.rdb.HDel(ctx, m.prefix+":errors", credentialID).Err()
	})
	return err
}
