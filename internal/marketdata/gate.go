package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

type TickerSource interface {
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
}

// Gate: допуск к торговле по свежести и спреду. Ошибка гейта - пассивный
// отказ без единого вызова на изменение состояния биржи.
type Gate struct {
	src         TickerSource
	staleAfter  time.Duration
	spreadLimit decimal.Decimal
	now         func() time.Time
}

func NewGate(src TickerSource, staleAfter time.Duration, spreadLimit float64) *Gate {
	return &Gate{
		src:         src,
		staleAfter:  staleAfter,
		spreadLimit: decimal.NewFromFloat(spreadLimit),
		now:         time.Now,
	}
}

// WithClock подменяет часы (тесты).
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// FetchFreshTicker возвращает тикер только если его возраст < staleAfter.
// Тикер без времени считается отсутствующим.
func (g *Gate) FetchFreshTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	t, err := g.src.FetchTicker(ctx, symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	if t.Timestamp.IsZero() {
		return models.Ticker{}, &models.StaleDataError{Symbol: symbol, Age: time.Duration(1<<63 - 1), Limit: g.staleAfter}
	}
	age := g.now().Sub(t.Timestamp)
	if age < 0 {
		age = 0
	}
	if age >= g.staleAfter {
		return models.Ticker{}, &models.StaleDataError{Symbol: symbol, Age: age, Limit: g.staleAfter}
	}
	return t, nil
}

// CheckSpread: (ask-bid)/ask > limit => SpreadTooWideError. Пустой стакан тоже отказ.
func (g *Gate) CheckSpread(t models.Ticker) error {
	if !t.Ask.IsPositive() || !t.Bid.IsPositive() || t.Bid.GreaterThan(t.Ask) {
		return &models.SpreadTooWideError{Symbol: t.Symbol, Spread: 1, Limit: g.spreadLimit.InexactFloat64()}
	}
	spread := t.Ask.Sub(t.Bid).Div(t.Ask)
	if spread.GreaterThan(g.spreadLimit) {
		return &models.SpreadTooWideError{
			Symbol: t.Symbol,
			Spread: spread.InexactFloat64(),
			Limit:  g.spreadLimit.InexactFloat64(),
		}
	}
	return nil
}

// Admit = FetchFreshTicker + CheckSpread.
func (g *Gate) Admit(ctx context.Context, symbol string) (models.Ticker, error) {
	t, err := g.FetchFreshTicker(ctx, symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	if err := g.CheckSpread(t); err != nil {
		return models.Ticker{}, err
	}
	return t, nil
}
