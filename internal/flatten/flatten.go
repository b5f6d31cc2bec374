// Package flatten делает аварийное обнуление аккаунта: снять все условные ордера и
// закрыть все позиции reduce-only маркетом. Работает без гейта и без риск-движка.
package flatten

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/execution"
	"trade_guard/internal/models"
)

type Report struct {
	Canceled int
	Closed   int
	// Left: позиции, которые остались открытыми после прохода.
	Left   []models.Position
	Errors []error
}

// Flat: на бирже ничего не осталось и ошибок не было.
func (r Report) Flat() bool { return len(r.Left) == 0 && len(r.Errors) == 0 }

type Flattener struct {
	gw       exchange.Gateway
	retry    execution.Backoff
	newToken func() string
	log      *zap.Logger
}

func New(gw exchange.Gateway, retry execution.Backoff, log *zap.Logger) *Flattener {
	return &Flattener{gw: gw, retry: retry, newToken: execution.NewToken, log: log}
}

// Run: сначала ордера (чтобы стоп не сработал посреди закрытия), потом позиции,
// потом контрольное чтение позиций.
func (f *Flattener) Run(ctx context.Context) Report {
	var rep Report

	orders, err := f.gw.FetchOpenOrders(ctx, "")
	if err != nil {
		rep.Errors = append(rep.Errors, errors.Wrap(err, "fetch open orders"))
	}
	for _, o := range orders {
		_, err := f.retry.Do(ctx, func(int) error { return f.gw.CancelOrder(ctx, o.ID, o.Symbol) })
		if err != nil {
			f.log.Error("[PANIC] cancel failed", zap.String("symbol", o.Symbol), zap.String("order_id", o.ID), zap.Error(err))
			rep.Errors = append(rep.Errors, errors.Wrapf(err, "cancel %s %s", o.Symbol, o.ID))
			continue
		}
		f.log.Info("[PANIC] order canceled", zap.String("symbol", o.Symbol), zap.String("order_id", o.ID), zap.String("kind", string(o.Kind)))
		rep.Canceled++
	}

	positions, err := f.gw.FetchPositions(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, errors.Wrap(err, "fetch positions"))
		return rep
	}
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		// один токен на все попытки: повтор не закроет дважды
		req := models.CloseOrder(p.Symbol, p.Side.Opposite(), p.Quantity, f.newToken())
		_, err := f.retry.Do(ctx, func(int) error {
			_, err := f.gw.PlaceOrder(ctx, req)
			return err
		})
		if err != nil {
			f.log.Error("[PANIC] close failed", zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)), zap.Error(err))
			rep.Errors = append(rep.Errors, errors.Wrapf(err, "close %s %s", p.Symbol, p.Side))
			continue
		}
		f.log.Info("[PANIC] position closed", zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)), zap.String("qty", p.Quantity.String()))
		rep.Closed++
	}

	left, err := f.gw.FetchPositions(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, errors.Wrap(err, "verify positions"))
		return rep
	}
	for _, p := range left {
		if p.Quantity.IsPositive() {
			rep.Left = append(rep.Left, p)
		}
	}
	return rep
}
