package txlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Schema is valid for both PostgreSQL and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS hub_transactions (
	id         TEXT PRIMARY KEY,
	protocol   TEXT NOT NULL,
	status     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	amount     TEXT NOT NULL,
	hash       TEXT,
	request_id TEXT NOT NULL DEFAULT '',
	at_ms      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS hub_transactions_at_ms ON hub_transactions (at_ms);
`

// SQLLog journals into a SQL table. The same statements run on PostgreSQL
// (lib/pq) and SQLite (modernc.org/sqlite), which both accept $n placeholders.
type SQLLog struct {
	db *sql.DB
}

func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

// OpenSQLite opens (creating if needed) a SQLite journal at path.
func OpenSQLite(ctx context.Context, path string) (*SQLLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite journal: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	l := NewSQLLog(db)
	if err := l.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

func (l *SQLLog) Close() error {
	return l.db.Close()
}

func (l *SQLLog) Append(ctx context.Context, tx Tx) error {
	query := `
		INSERT INTO hub_transactions (id, protocol, status, recipient, amount, hash, request_id, at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	var hash sql.NullString
	if tx.Hash != nil {
		hash = sql.NullString{String: *tx.Hash, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, query,
		tx.ID, string(tx.Protocol), string(tx.Status), tx.Recipient, tx.Amount, hash, tx.RequestID, tx.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (l *SQLLog) Recent(ctx context.Context, limit int) ([]Tx, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, protocol, status, recipient, amount, hash, request_id, at_ms FROM hub_transactions ORDER BY at_ms DESC, id DESC LIMIT $1",
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []Tx
	for rows.Next() {
		var (
			tx       Tx
			proto    string
			status   string
			hash     sql.NullString
			atMillis int64
		)
		if err := rows.Scan(&tx.ID, &proto, &status, &tx.Recipient, &tx.Amount, &hash, &tx.RequestID, &atMillis); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Protocol = protocol.Protocol(proto)
		tx.Status = Status(status)
		if hash.Valid {
			h := hash.String
			tx.Hash = &h
		}
		tx.At = time.UnixMilli(atMillis).UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}
