package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/models"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists pool state in SQL backends (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a SQLite-backed store.
// dsn can be a file path (e.g. /var/lib/keygate.db) or a SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "keygate.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	timestamp := "DATETIME"
	if s.dialect == dialectPostgres {
		timestamp = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	secret TEXT UNIQUE NOT NULL,
	label TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	created_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_records (
	credential_id TEXT NOT NULL,
	category TEXT NOT NULL,
	day TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (credential_id, category, day)
);
CREATE TABLE IF NOT EXISTS credential_errors (
	credential_id TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	occurred_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_day ON usage_records(day);`, timestamp)

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// LoadCredentials returns every persisted credential in creation order.
func (s *SQLStore) LoadCredentials(ctx context.Context) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, secret, label, enabled, created_at
FROM credentials
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []CredentialRecord
	for rows.Next() {
		var rec CredentialRecord
		if err := rows.Scan(&rec.ID, &rec.Secret, &rec.Label, &rec.Enabled, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveCredential inserts or updates a credential record.
func (s *SQLStore) SaveCredential(ctx context.Context, rec CredentialRecord) error {
	q := s.bind(`
INSERT INTO credentials(id, secret, label, enabled, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET secret = excluded.secret, label = excluded.label, enabled = excluded.enabled`)
	if _, err := s.db.ExecContext(ctx, q, rec.ID, rec.Secret, rec.Label, rec.Enabled, rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes a credential record.
func (s *SQLStore) DeleteCredential(ctx context.Context, id string) error {
	q := s.bind(`DELETE FROM credentials WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// LoadUsage returns the usage records for a single calendar day.
func (s *SQLStore) LoadUsage(ctx context.Context, day string) ([]quota.Usage, error) {
	q := s.bind(`
SELECT credential_id, category, day, count
FROM usage_records
WHERE day = ?`)
	rows, err := s.db.QueryContext(ctx, q, day)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []quota.Usage
	for rows.Next() {
		var (
			u   quota.Usage
			cat string
		)
		if err := rows.Scan(&u.CredentialID, &cat, &u.Day, &u.Count); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		// Records written under a category later removed from the closed
		// set are skipped rather than resurrected as free-form strings.
		parsed, err := models.ParseCategory(cat)
		if err != nil {
			continue
		}
		u.Category = parsed
		records = append(records, u)
	}
	return records, rows.Err()
}

// IncrementUsage adds one call to a (credential, category, day) record,
// creating it lazily. The upsert makes concurrent increments safe.
func (s *SQLStore) IncrementUsage(ctx context.Context, credentialID string, category models.Category, day string) error {
	q := s.bind(`
INSERT INTO usage_records(credential_id, category, day, count)
VALUES(?, ?, ?, 1)
ON CONFLICT (credential_id, category, day) DO UPDATE SET count = usage_records.count + 1`)
	if _, err := s.db.ExecContext(ctx, q, credentialID, string(category), day); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// LoadErrors returns every persisted error state.
func (s *SQLStore) LoadErrors(ctx context.Context) ([]errtrack.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT credential_id, status, occurred_at
FROM credential_errors`)
	if err != nil {
		return nil, fmt.Errorf("load errors: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []errtrack.Entry
	for rows.Next() {
		var e errtrack.Entry
		if err := rows.Scan(&e.CredentialID, &e.Status, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan error state: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetError stores the most recent auth failure for a credential.
func (s *SQLStore) SetError(ctx context.Context, credentialID string, status int, occurredAt time.Time) error {
	q := s.bind(`
INSERT INTO credential_errors(credential_id, status, occurred_at)
VALUES(?, ?, ?)
ON CONFLICT (credential_id) DO UPDATE SET status = excluded.status, occurred_at = excluded.occurred_at`)
	if _, err := s.db.ExecContext(ctx, q, credentialID, status, occurredAt.UTC()); err != nil {
		return fmt.Errorf("set error state: %w", err)
	}
	return nil
}

// ClearError removes the error state for a credential, if any.
func (s *SQLStore) ClearError(ctx context.Context, credentialID string) error {
	q := s.bind(`DELETE FROM credential_errors WHERE credential_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, credentialID); err != nil {
		return fmt.Errorf("clear error state: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
