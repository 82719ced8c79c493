package txlog

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

func tx(i int) Tx {
	return Tx{
		ID:        fmt.Sprintf("txn_%02d", i),
		Protocol:  protocol.ATXP,
		Status:    StatusSettled,
		Recipient: "agent-b",
		Amount:    "0.50",
		At:        time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
	}
}

func ids(txs []Tx) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-4))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

func TestMemoryLog_NewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(3)

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	for i := 1; i <= 2; i++ {
		require.NoError(t, l.Append(ctx, tx(i)))
	}
	got, _ = l.Recent(ctx, 10)
	assert.Equal(t, []string{"txn_02", "txn_01"}, ids(got))

	for i := 3; i <= 5; i++ {
		require.NoError(t, l.Append(ctx, tx(i)))
	}
	got, _ = l.Recent(ctx, 10)
	assert.Equal(t, []string{"txn_05", "txn_04", "txn_03"}, ids(got))

	got, _ = l.Recent(ctx, 2)
	assert.Equal(t, []string{"txn_05", "txn_04"}, ids(got))
}

func TestRedisLog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLog(client, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(ctx, tx(i)))
	}

	items, err := mr.List(redisListKey)
	require.NoError(t, err)
	assert.Len(t, items, 3, "list is trimmed to max")

	got, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_05", "txn_04"}, ids(got))
	assert.Equal(t, "0.50", got[0].Amount)
}

func TestRedisLog_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisLog(client, 3)
	assert.Error(t, l.Append(context.Background(), tx(1)))
	_, err := l.Recent(context.Background(), 1)
	assert.Error(t, err)
}

func TestSQLLog_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLog(db)
	hash := "0xabc"
	in := tx(1)
	in.Hash = &hash
	in.RequestID = "req-1"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO hub_transactions")).
		WithArgs("txn_01", "atxp", "settled", "agent-b", "0.50", "0xabc", "req-1", in.At.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, l.Append(context.Background(), in))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLog_Recent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLog(db)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "protocol", "status", "recipient", "amount", "hash", "request_id", "at_ms"}).
		AddRow("txn_02", "x402", "failed", "agent-c", "1", nil, "", at.UnixMilli()).
		AddRow("txn_01", "atxp", "settled", "agent-b", "0.50", "0xabc", "req-1", at.UnixMilli())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, protocol, status, recipient, amount, hash, request_id, at_ms FROM hub_transactions ORDER BY at_ms DESC, id DESC LIMIT $1")).
		WithArgs(DefaultLimit).
		WillReturnRows(rows)

	got, err := l.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StatusFailed, got[0].Status)
	assert.Nil(t, got[0].Hash)
	require.NotNil(t, got[1].Hash)
	assert.Equal(t, "0xabc", *got[1].Hash)
	assert.True(t, at.Equal(got[1].At))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLog_SQLite(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer l.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(ctx, tx(i)))
	}
	// Duplicate ids are ignored.
	require.NoError(t, l.Append(ctx, tx(3)))

	got, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_03", "txn_02"}, ids(got))
	assert.Equal(t, protocol.ATXP, got[0].Protocol)
}
