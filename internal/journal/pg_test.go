package journal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_guard/internal/risk"
	"trade_guard/pkg/db"
)

// memTx: таблицы в памяти, числа хранятся строками, как их отдаёт ::text.
type memTx struct {
	stmts  []string
	trades [][]any
	peak   *string
	limit  any
}

func (m *memTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.stmts = append(m.stmts, sql)
	switch {
	case strings.Contains(sql, "INSERT INTO trade_records"):
		m.trades = append(m.trades, args)
	case strings.Contains(sql, "INSERT INTO risk_state"):
		p := args[0].(string)
		m.peak = &p
	}
	return pgconn.CommandTag{}, nil
}

func (m *memTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.stmts = append(m.stmts, sql)
	m.limit = args[0]
	return &memRows{rows: m.trades, i: -1}, nil
}

func (m *memTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	m.stmts = append(m.stmts, sql)
	if m.peak == nil {
		return memRow{err: pgx.ErrNoRows}
	}
	return memRow{vals: []any{*m.peak}}
}

type memRow struct {
	vals []any
	err  error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.vals, dest)
}

type memRows struct {
	rows [][]any
	i    int
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) Next() bool                                   { r.i++; return r.i < len(r.rows) }
func (r *memRows) Scan(dest ...any) error                       { return scanInto(r.rows[r.i], dest) }
func (r *memRows) Values() ([]any, error)                       { return r.rows[r.i], nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

func scanInto(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return errors.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = vals[i].(string)
		case *time.Time:
			*p = vals[i].(time.Time)
		default:
			return errors.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

// memTxManager: RunMaster и RunRepeatableRead без транзакций, с учётом режима.
type memTxManager struct {
	tx    *memTx
	modes []string
	err   error
}

func (m *memTxManager) RunMaster(ctx context.Context, fn func(context.Context, db.Transaction) error) error {
	m.modes = append(m.modes, "master")
	if m.err != nil {
		return m.err
	}
	return fn(ctx, m.tx)
}

func (m *memTxManager) RunRepeatableRead(ctx context.Context, fn func(context.Context, db.Transaction) error) error {
	m.modes = append(m.modes, "repeatable_read")
	if m.err != nil {
		return m.err
	}
	return fn(ctx, m.tx)
}

func TestPgStore_Migrate(t *testing.T) {
	tm := &memTxManager{tx: &memTx{}}
	require.NoError(t, NewPgStore(tm).Migrate(context.Background()))

	require.Len(t, tm.tx.stmts, 1)
	assert.Contains(t, tm.tx.stmts[0], "CREATE TABLE IF NOT EXISTS trade_records")
	assert.Contains(t, tm.tx.stmts[0], "CREATE TABLE IF NOT EXISTS risk_state")
}

func TestPgStore_DecimalsTravelAsText(t *testing.T) {
	tm := &memTxManager{tx: &memTx{}}
	s := NewPgStore(tm)
	ctx := context.Background()

	r := rec("-0.123456789012345678")
	r.Quantity = decimal.RequireFromString("0.000000000000000001")
	require.NoError(t, s.AppendTrade(ctx, r))
	require.NoError(t, s.SavePeak(ctx, decimal.RequireFromString("12345.678901234567")))

	require.Len(t, tm.tx.trades, 1)
	args := tm.tx.trades[0]
	assert.Equal(t, "BTCUSDT", args[0])
	assert.Equal(t, "BUY", args[1])
	assert.Equal(t, "0.000000000000000001", args[4])
	assert.Equal(t, "-0.123456789012345678", args[5])
	assert.Contains(t, tm.tx.stmts[0], "$6::numeric")
	assert.Contains(t, tm.tx.stmts[1], "ON CONFLICT (id) DO UPDATE")

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, risk.HistoryLimit, tm.tx.limit)
	assert.True(t, snap.PeakBalance.Equal(decimal.RequireFromString("12345.678901234567")))
	require.Len(t, snap.History, 1)
	got := snap.History[0]
	assert.True(t, got.PnL.Equal(r.PnL))
	assert.True(t, got.Quantity.Equal(r.Quantity))
	assert.True(t, got.ExitPrice.Equal(r.ExitPrice))
	assert.Equal(t, r.Side, got.Side)
	assert.True(t, got.ClosedAt.Equal(r.ClosedAt))

	assert.Equal(t, []string{"master", "master", "repeatable_read"}, tm.modes)
}

func TestPgStore_LoadWithoutPeak(t *testing.T) {
	tm := &memTxManager{tx: &memTx{}}
	snap, err := NewPgStore(tm).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.PeakBalance.IsZero())
	assert.Empty(t, snap.History)
}

func TestPgStore_LoadRejectsBadNumber(t *testing.T) {
	bad := "not-a-number"
	tm := &memTxManager{tx: &memTx{peak: &bad}}
	_, err := NewPgStore(tm).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg.Load")
}

func TestPgStore_WrapsErrors(t *testing.T) {
	tm := &memTxManager{tx: &memTx{}, err: errors.New("connection refused")}
	s := NewPgStore(tm)

	err := s.AppendTrade(context.Background(), rec("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg.AppendTrade")
	assert.Contains(t, err.Error(), "connection refused")

	err = s.SavePeak(context.Background(), decimal.NewFromInt(1))
	assert.Contains(t, err.Error(), "pg.SavePeak")
}
