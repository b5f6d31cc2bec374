package exchange

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trade_guard/internal/metrics"
	"trade_guard/internal/models"
	"trade_guard/pkg/tracing"
)

// Safe оборачивает Gateway: у каждого вызова свой таймаут, превышение - это
// TransientExchangeError, а не зависание. Плюс метрики и спаны на каждый вызов.
type Safe struct {
	inner   Gateway
	timeout time.Duration
	log     *zap.Logger
}

func NewSafe(inner Gateway, timeout time.Duration, log *zap.Logger) *Safe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Safe{inner: inner, timeout: timeout, log: log}
}

func (s *Safe) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	span, ctx := tracing.Start(ctx, "exchange."+method)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !models.IsTransient(err) {
		err = &models.TransientExchangeError{Op: method, Err: errors.Wrapf(err, "timeout %s", s.timeout)}
	}

	result := resultLabel(err)
	metrics.ExchangeCalls.WithLabelValues(method, result).Inc()
	tracing.Finish(span, err)
	if err != nil {
		s.log.Debug("[EX] call failed", zap.String("method", method), zap.String("result", result), zap.Error(err))
	}
	return err
}

func resultLabel(err error) string {
	var rej *models.RejectedOrderError
	switch {
	case err == nil:
		return "ok"
	case models.IsTransient(err):
		return "transient"
	case models.IsFatal(err):
		return "fatal"
	case errors.As(err, &rej):
		return "rejected"
	default:
		return "error"
	}
}

func (s *Safe) FetchTicker(ctx context.Context, symbol string) (t models.Ticker, err error) {
	err = s.call(ctx, "FetchTicker", func(ctx context.Context) error {
		t, err = s.inner.FetchTicker(ctx, symbol)
		return err
	})
	return t, err
}

func (s *Safe) FetchBalance(ctx context.Context) (b models.Balance, err error) {
	err = s.call(ctx, "FetchBalance", func(ctx context.Context) error {
		b, err = s.inner.FetchBalance(ctx)
		return err
	})
	return b, err
}

func (s *Safe) FetchPositions(ctx context.Context) (out []models.Position, err error) {
	err = s.call(ctx, "FetchPositions", func(ctx context.Context) error {
		out, err = s.inner.FetchPositions(ctx)
		return err
	})
	return out, err
}

func (s *Safe) FetchOpenOrders(ctx context.Context, symbol string) (out []models.ProtectiveOrder, err error) {
	err = s.call(ctx, "FetchOpenOrders", func(ctx context.Context) error {
		out, err = s.inner.FetchOpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (s *Safe) FetchInstrument(ctx context.Context, symbol string) (inst models.Instrument, err error) {
	err = s.call(ctx, "FetchInstrument", func(ctx context.Context) error {
		inst, err = s.inner.FetchInstrument(ctx, symbol)
		return err
	})
	return inst, err
}

func (s *Safe) FetchCandles(ctx context.Context, symbol, interval string, limit int) (out []models.Candle, err error) {
	err = s.call(ctx, "FetchCandles", func(ctx context.Context) error {
		out, err = s.inner.FetchCandles(ctx, symbol, interval, limit)
		return err
	})
	return out, err
}

func (s *Safe) PlaceOrder(ctx context.Context, req models.OrderRequest) (ack models.OrderAck, err error) {
	err = s.call(ctx, "PlaceOrder", func(ctx context.Context) error {
		ack, err = s.inner.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

func (s *Safe) CancelOrder(ctx context.Context, id, symbol string) error {
	return s.call(ctx, "CancelOrder", func(ctx context.Context) error {
		return s.inner.CancelOrder(ctx, id, symbol)
	})
}

func (s *Safe) FetchOrder(ctx context.Context, id, symbol string) (ack models.OrderAck, err error) {
	err = s.call(ctx, "FetchOrder", func(ctx context.Context) error {
		ack, err = s.inner.FetchOrder(ctx, id, symbol)
		return err
	})
	return ack, err
}

func (s *Safe) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return s.call(ctx, "SetLeverage", func(ctx context.Context) error {
		return s.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (s *Safe) SetMarginMode(ctx context.Context, symbol string, mode models.MarginMode) error {
	return s.call(ctx, "SetMarginMode", func(ctx context.Context) error {
		return s.inner.SetMarginMode(ctx, symbol, mode)
	})
}
