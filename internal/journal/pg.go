package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
	"trade_guard/internal/risk"
	"trade_guard/pkg/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_records (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT        NOT NULL,
	side        TEXT        NOT NULL,
	entry_price NUMERIC     NOT NULL,
	exit_price  NUMERIC     NOT NULL,
	quantity    NUMERIC     NOT NULL,
	pnl         NUMERIC     NOT NULL,
	closed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS risk_state (
	id           SMALLINT PRIMARY KEY,
	peak_balance NUMERIC     NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);`

// PgStore: журнал в Postgres. Числа ходят строками, точность не теряется.
type PgStore struct {
	db db.TxManager
}

func NewPgStore(tx db.TxManager) *PgStore {
	return &PgStore{db: tx}
}

func (s *PgStore) Migrate(ctx context.Context) error {
	err := s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, schema)
		return err
	})
	return errors.Wrap(err, "pg.Migrate")
}

func (s *PgStore) Load(ctx context.Context) (snap risk.Snapshot, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "pg.Load")
		}
	}()

	err = s.db.RunRepeatableRead(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		var peak string
		row := tx.QueryRow(ctxTx, `SELECT peak_balance::text FROM risk_state WHERE id = 1`)
		switch err := row.Scan(&peak); {
		case err == nil:
			p, err := decimal.NewFromString(peak)
			if err != nil {
				return err
			}
			snap.PeakBalance = p
		case isNoRows(err):
		default:
			return err
		}

		rows, err := tx.Query(ctxTx, `
			SELECT symbol, side, entry_price::text, exit_price::text, quantity::text, pnl::text, closed_at
			FROM (SELECT * FROM trade_records ORDER BY id DESC LIMIT $1) t
			ORDER BY id`, risk.HistoryLimit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                     models.TradeRecord
				side                  string
				entry, exit, qty, pnl string
				closedAt              time.Time
			)
			if err := rows.Scan(&r.Symbol, &side, &entry, &exit, &qty, &pnl, &closedAt); err != nil {
				return err
			}
			r.Side = models.Side(side)
			r.ClosedAt = closedAt
			if r.EntryPrice, err = decimal.NewFromString(entry); err != nil {
				return err
			}
			if r.ExitPrice, err = decimal.NewFromString(exit); err != nil {
				return err
			}
			if r.Quantity, err = decimal.NewFromString(qty); err != nil {
				return err
			}
			if r.PnL, err = decimal.NewFromString(pnl); err != nil {
				return err
			}
			snap.History = append(snap.History, r)
		}
		return rows.Err()
	})
	return snap, err
}

func (s *PgStore) AppendTrade(ctx context.Context, r models.TradeRecord) error {
	err := s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO trade_records (symbol, side, entry_price, exit_price, quantity, pnl, closed_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)`,
			r.Symbol, string(r.Side), r.EntryPrice.String(), r.ExitPrice.String(),
			r.Quantity.String(), r.PnL.String(), r.ClosedAt)
		return err
	})
	return errors.Wrap(err, "pg.AppendTrade")
}

func (s *PgStore) SavePeak(ctx context.Context, peak decimal.Decimal) error {
	err := s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO risk_state (id, peak_balance, updated_at) VALUES (1, $1::numeric, now())
			ON CONFLICT (id) DO UPDATE SET peak_balance = EXCLUDED.peak_balance, updated_at = EXCLUDED.updated_at`,
			peak.String())
		return err
	})
	return errors.Wrap(err, "pg.SavePeak")
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
