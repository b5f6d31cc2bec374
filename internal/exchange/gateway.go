// Package exchange: граница с биржей. Все мутирующие вызовы принимают
// idempotency token от вызывающего, повтор с тем же токеном не исполняется дважды.
package exchange

import (
	"context"

	"trade_guard/internal/models"
)

type Gateway interface {
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
	FetchBalance(ctx context.Context) (models.Balance, error)
	FetchPositions(ctx context.Context) ([]models.Position, error)
	// FetchOpenOrders: только условные ордера (стоп/тейк). symbol == "" - все символы.
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.ProtectiveOrder, error)
	FetchInstrument(ctx context.Context, symbol string) (models.Instrument, error)
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchOrder(ctx context.Context, id, symbol string) (models.OrderAck, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode models.MarginMode) error
}
