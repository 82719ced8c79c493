package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Schema creates the table PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS hub_breakers (
	protocol  TEXT PRIMARY KEY,
	state     TEXT NOT NULL,
	failures  INTEGER NOT NULL,
	opened_at TIMESTAMPTZ,
	trials    INTEGER NOT NULL,
	probed_at TIMESTAMPTZ,
	version   BIGINT NOT NULL
);
`

// PostgresStore shares breaker state between hub instances through one
// versioned row per protocol.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create breaker schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, p protocol.Protocol) (Entry, uint64, error) {
	var (
		e                  Entry
		state              string
		openedAt, probedAt sql.NullTime
		version            int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, failures, opened_at, trials, probed_at, version FROM hub_breakers WHERE protocol = $1`,
		string(p),
	).Scan(&state, &e.Failures, &openedAt, &e.Trials, &probedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return closedEntry(), 0, nil
	}
	if err != nil {
		return Entry{}, 0, fmt.Errorf("postgres breaker load: %w", err)
	}
	e.State = State(state)
	if openedAt.Valid {
		e.OpenedAt = openedAt.Time.UTC()
	}
	if probedAt.Valid {
		e.ProbedAt = probedAt.Time.UTC()
	}
	return e, uint64(version), nil
}

// CompareAndSwap inserts the first row for a protocol at version 1 and
// afterwards updates only the row still carrying version.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, p protocol.Protocol, version uint64, e Entry) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO hub_breakers (protocol, state, failures, opened_at, trials, probed_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, 1)
			 ON CONFLICT (protocol) DO NOTHING`,
			string(p), string(e.State), e.Failures, nullTime(e.OpenedAt), e.Trials, nullTime(e.ProbedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE hub_breakers
			 SET state = $2, failures = $3, opened_at = $4, trials = $5, probed_at = $6, version = version + 1
			 WHERE protocol = $1 AND version = $7`,
			string(p), string(e.State), e.Failures, nullTime(e.OpenedAt), e.Trials, nullTime(e.ProbedAt), int64(version),
		)
	}
	if err != nil {
		return false, fmt.Errorf("postgres breaker cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres breaker cas: %w", err)
	}
	return n == 1, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
