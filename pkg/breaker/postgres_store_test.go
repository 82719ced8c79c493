package breaker

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

var breakerColumns = []string{"state", "failures", "opened_at", "trials", "probed_at", "version"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS hub_breakers")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, failures, opened_at, trials, probed_at, version FROM hub_breakers WHERE protocol = $1")).
		WithArgs("x402").
		WillReturnRows(sqlmock.NewRows(breakerColumns))

	e, v, err := s.Load(context.Background(), protocol.X402)
	require.NoError(t, err)
	assert.Equal(t, closedEntry(), e)
	assert.Zero(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	s, mock := newMockStore(t)
	opened := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, failures, opened_at, trials, probed_at, version FROM hub_breakers")).
		WithArgs("atxp").
		WillReturnRows(sqlmock.NewRows(breakerColumns).AddRow("open", 3, opened, 0, nil, 4))

	e, v, err := s.Load(context.Background(), protocol.ATXP)
	require.NoError(t, err)
	assert.Equal(t, Entry{State: StateOpen, Failures: 3, OpenedAt: opened}, e)
	assert.Equal(t, uint64(4), v)
}

func TestPostgresStore_LoadError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state")).WillReturnError(errors.New("connection reset"))

	_, _, err := s.Load(context.Background(), protocol.ATXP)
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStore_CompareAndSwapInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO hub_breakers (protocol, state, failures, opened_at, trials, probed_at, version)")).
		WithArgs("acp", "closed", 1, nil, 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (protocol) DO NOTHING")).
		WithArgs("acp", "closed", 1, nil, 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := s.CompareAndSwap(ctx, protocol.ACP, 0, Entry{State: StateClosed, Failures: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second first-writer finds the row already there.
	ok, err = s.CompareAndSwap(ctx, protocol.ACP, 0, Entry{State: StateClosed, Failures: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	probed := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE hub_breakers")).
		WithArgs("ap2", "half_open", 3, nil, 1, probed, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE protocol = $1 AND version = $7")).
		WithArgs("ap2", "half_open", 3, nil, 1, probed, 7).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	e := Entry{State: StateHalfOpen, Failures: 3, Trials: 1, ProbedAt: probed}
	ok, err := s.CompareAndSwap(ctx, protocol.AP2, 7, e)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, protocol.AP2, 7, e)
	require.NoError(t, err)
	assert.False(t, ok, "stale version loses")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE hub_breakers")).WillReturnError(errors.New("deadlock detected"))

	_, err := s.CompareAndSwap(context.Background(), protocol.X402, 2, closedEntry())
	assert.ErrorContains(t, err, "deadlock detected")
}

func TestRegistry_OverPostgresStore(t *testing.T) {
	s, mock := newMockStore(t)
	r := NewRegistry(DefaultConfig(), WithStore(s))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state")).
		WithArgs("x402").
		WillReturnRows(sqlmock.NewRows(breakerColumns).AddRow("closed", 2, nil, 0, nil, 5))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE hub_breakers")).
		WithArgs("x402", "open", 3, sqlmock.AnyArg(), 0, nil, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.RecordFailure(context.Background(), protocol.X402)
	assert.NoError(t, mock.ExpectationsWereMet())
}
