// Package journal: персистентная история сделок и пиковый баланс.
// Грузится один раз на старте, дописывается циклом управления.
package journal

import (
	"context"

	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
	"trade_guard/internal/risk"
)

type Store interface {
	Load(ctx context.Context) (risk.Snapshot, error)
	AppendTrade(ctx context.Context, r models.TradeRecord) error
	SavePeak(ctx context.Context, peak decimal.Decimal) error
}

// Nop: журнал выключен.
type Nop struct{}

func (Nop) Load(context.Context) (risk.Snapshot, error)           { return risk.Snapshot{}, nil }
func (Nop) AppendTrade(context.Context, models.TradeRecord) error { return nil }
func (Nop) SavePeak(context.Context, decimal.Decimal) error       { return nil }
