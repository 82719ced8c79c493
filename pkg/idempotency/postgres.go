package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema creates the table PostgresBackend uses.
const Schema = `
CREATE TABLE IF NOT EXISTS hub_idempotency (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS hub_idempotency_expires_at ON hub_idempotency (expires_at);
`

// PostgresBackend provides durable idempotency records and locks backed by
// PostgreSQL, surviving process restarts.
type PostgresBackend struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db, now: time.Now}
}

// EnsureSchema creates the table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create idempotency schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt time.Time
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM hub_idempotency WHERE key = $1`,
		key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	if !b.now().Before(expiresAt) {
		// Expired: delete and report a miss.
		_, _ = b.db.ExecContext(ctx, `DELETE FROM hub_idempotency WHERE key = $1 AND expires_at <= $2`, key, b.now())
		return nil, false, nil
	}
	return value, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO hub_idempotency (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, b.now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

// SetNX inserts the key, or takes over a row whose TTL has lapsed. Only the
// winning writer sees an affected row.
func (b *PostgresBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO hub_idempotency (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE hub_idempotency.expires_at <= $4`,
		key, value, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire idempotency key: %w", err)
	}
	return n == 1, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM hub_idempotency WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

// Cleanup removes expired rows.
func (b *PostgresBackend) Cleanup(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM hub_idempotency WHERE expires_at <= $1`, b.now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
