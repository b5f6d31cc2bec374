// Package execution: атомарная последовательность вход → защита.
// Позиция, открытая без подтверждённого стопа, закрывается маркетом.
package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/marketdata"
	"trade_guard/internal/metrics"
	"trade_guard/internal/models"
	"trade_guard/internal/notify"
	"trade_guard/internal/sizing"
	"trade_guard/pkg/tracing"
)

type State string

const (
	StateIdle                State = "Idle"
	StateGatePassed          State = "GatePassed"
	StateEntrySubmitted      State = "EntrySubmitted"
	StateEntryVerified       State = "EntryVerified"
	StateProtectionSubmitted State = "ProtectionSubmitted"
	StateProtectionVerified  State = "ProtectionVerified"
	StateComplete            State = "Complete"
	StateAborted             State = "Aborted"
	StatePartialFailure      State = "PartialFailure"
	StateEmergencyClose      State = "EmergencyClose"
)

type Config struct {
	RiskFraction       decimal.Decimal
	MinNotional        decimal.Decimal
	MaxPositionPct     decimal.Decimal
	StopLossPct        decimal.Decimal
	Retry              Backoff
	TakeProfitAttempts int
	CloseAttempts      int
	CloseDelay         time.Duration
	VerifyDelay        time.Duration
}

type Request struct {
	Intent  models.EntryIntent
	Balance decimal.Decimal
	Params  models.RiskParameters
}

type Result struct {
	State        State
	Trail        []State
	Token        string
	Requested    decimal.Decimal
	Executed     decimal.Decimal
	AvgPrice     decimal.Decimal
	StopPrice    decimal.Decimal
	StopID       string
	TakeProfitID string
	// Skipped: объём после округления неторгуемый, ничего не отправлялось.
	Skipped bool
}

type Sequencer struct {
	gw       exchange.Gateway
	gate     *marketdata.Gate
	notifier notify.Notifier
	cfg      Config
	log      *zap.Logger
	newToken func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(gw exchange.Gateway, gate *marketdata.Gate, notifier notify.Notifier, cfg Config, log *zap.Logger) *Sequencer {
	return &Sequencer{
		gw:       gw,
		gate:     gate,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		newToken: NewToken,
		inflight: make(map[string]struct{}),
	}
}

// NewToken собирает clientOrderId: префикс + 28 hex символов uuid.
func NewToken() string {
	return "GRD_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:28]
}

// Busy: по символу идёт последовательность.
func (s *Sequencer) Busy(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[symbol]
	return ok
}

func (s *Sequencer) acquire(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[symbol]; ok {
		return false
	}
	s.inflight[symbol] = struct{}{}
	return true
}

func (s *Sequencer) release(symbol string) {
	s.mu.Lock()
	delete(s.inflight, symbol)
	s.mu.Unlock()
}

// sequence: состояние одного прогона.
type sequence struct {
	s   *Sequencer
	req Request
	res Result
	log *zap.Logger
}

func (q *sequence) to(st State) {
	q.res.State = st
	q.res.Trail = append(q.res.Trail, st)
	q.log.Debug("[EXEC] state", zap.String("state", string(st)))
}

// Execute прогоняет Idle → ... → Complete. Второй запрос по символу, который
// уже в работе, отклоняется с ErrSequenceInFlight.
func (s *Sequencer) Execute(ctx context.Context, req Request) (Result, error) {
	in := req.Intent
	if !s.acquire(in.Symbol) {
		return Result{State: StateAborted, Trail: []State{StateAborted}}, errors.Wrap(models.ErrSequenceInFlight, in.Symbol)
	}
	defer s.release(in.Symbol)

	span, ctx := tracing.Start(ctx, "execution_sequence", "symbol", in.Symbol, "side", string(in.Side))

	q := &sequence{s: s, req: req, log: s.log.With(zap.String("symbol", in.Symbol), zap.String("side", string(in.Side)))}
	q.to(StateIdle)

	res, err := q.run(ctx)
	span.SetTag("state", string(res.State))
	tracing.Finish(span, err)
	metrics.Sequences.WithLabelValues(outcome(res, err)).Inc()
	return res, err
}

func outcome(res Result, err error) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.State == StateComplete && err != nil:
		return "emergency_close"
	case res.State == StateComplete:
		return "complete"
	case res.State == StateIdle:
		return "idle"
	default:
		return "aborted"
	}
}

func (q *sequence) abort(err error) (Result, error) {
	q.to(StateAborted)
	q.log.Info("[EXEC] aborted", zap.Error(err))
	return q.res, err
}

func (q *sequence) run(ctx context.Context) (Result, error) {
	s, in := q.s, q.req.Intent
	if in.Symbol == "" || !in.Side.Valid() {
		return q.abort(errors.Errorf("bad intent: symbol=%q side=%q", in.Symbol, in.Side))
	}

	// 1. гейт: свежесть + спред, до первого мутирующего вызова
	tk, err := s.gate.Admit(ctx, in.Symbol)
	if err != nil {
		return q.abort(err)
	}
	q.to(StateGatePassed)

	inst, err := s.gw.FetchInstrument(ctx, in.Symbol)
	if err != nil {
		return q.abort(errors.Wrap(err, "instrument"))
	}

	entryPx := tk.EntryPrice(in.Side)
	stop := in.StopPrice
	if !stop.IsPositive() {
		stop = sizing.StopLossPrice(entryPx, in.Side, s.cfg.StopLossPct, inst.TickSize)
	} else {
		stop = sizing.FloorToTick(stop, inst.TickSize)
	}
	if (in.Side == models.SideBuy && !stop.LessThan(entryPx)) || (in.Side == models.SideSell && !stop.GreaterThan(entryPx)) {
		return q.abort(errors.Errorf("stop %s on wrong side of entry %s", stop, entryPx))
	}
	q.res.StopPrice = stop

	qty := sizing.ComputeSafeQuantity(q.req.Balance, s.cfg.RiskFraction, entryPx.Sub(stop).Abs(), inst.StepSize)
	qty = sizing.CapByMargin(qty, q.req.Balance, entryPx, q.req.Params.Leverage, s.cfg.MaxPositionPct, inst.StepSize)
	if qty.LessThan(inst.MinQty) {
		qty = decimal.Zero
	}
	qty = sizing.ValidateMinNotional(qty, entryPx, s.cfg.MinNotional)
	if qty.IsZero() {
		q.res.Skipped = true
		q.to(StateIdle)
		q.log.Info("[EXEC] non-tradable quantity, skip", zap.String("balance", q.req.Balance.String()), zap.String("stop", stop.String()))
		return q.res, nil
	}
	q.res.Requested = qty

	if err := q.applyExposure(ctx); err != nil {
		return q.abort(err)
	}

	// 2. вход: один токен на все повторы
	q.res.Token = s.newToken()
	var ack models.OrderAck
	_, err = s.cfg.Retry.Do(ctx, func(attempt int) error {
		var e error
		ack, e = s.gw.PlaceOrder(ctx, models.MarketOrder(in.Symbol, in.Side, qty, q.res.Token))
		if e != nil {
			q.log.Warn("[EXEC] entry attempt failed", zap.Int("attempt", attempt+1), zap.Error(e))
		}
		return e
	})
	if err != nil {
		sev, title := models.SeverityWarning, "Entry rejected"
		if models.IsTransient(err) {
			// исход неизвестен; если позиция всё же открылась, сверка защитит её в следующем цикле
			sev, title = models.SeverityCritical, "Entry outcome unknown"
		}
		s.notifier.Send(title, notify.Payload("symbol", in.Symbol, "side", in.Side, "qty", qty, "token", q.res.Token, "error", err), sev)
		return q.abort(errors.Wrap(err, "entry"))
	}
	q.to(StateEntrySubmitted)

	// 3. проверка фактического исполнения
	if ack.Status != models.OrderFilled && (ack.ExecutedQty.IsZero() || ack.Status == models.OrderOpen) {
		sleep(ctx, s.cfg.VerifyDelay)
		_, err = s.cfg.Retry.Do(ctx, func(int) error {
			a, e := s.gw.FetchOrder(ctx, ack.ID, in.Symbol)
			if e == nil {
				ack = a
			}
			return e
		})
		if err != nil {
			// сколько исполнилось - неизвестно, закрываем запрошенный объём reduce-only
			return q.failSafe(ctx, qty, errors.Wrap(err, "verify entry"))
		}
	}
	if !ack.ExecutedQty.IsPositive() {
		q.to(StateIdle)
		q.log.Info("[EXEC] entry not filled, nothing to protect", zap.String("order", ack.ID), zap.String("status", string(ack.Status)))
		return q.res, nil
	}
	q.res.Executed = ack.ExecutedQty
	q.res.AvgPrice = ack.AvgPrice
	if !q.res.AvgPrice.IsPositive() {
		q.res.AvgPrice = entryPx
	}
	q.to(StateEntryVerified)

	// 4. стоп на фактический объём, не на запрошенный
	stopReq := models.StopOrder(in.Symbol, in.Side.Opposite(), q.res.Executed, stop, s.newToken())
	var stopAck models.OrderAck
	_, err = s.cfg.Retry.Do(ctx, func(attempt int) error {
		var e error
		stopAck, e = s.gw.PlaceOrder(ctx, stopReq)
		if e != nil {
			q.log.Warn("[EXEC] stop attempt failed", zap.Int("attempt", attempt+1), zap.Error(e))
		}
		return e
	})
	if err != nil {
		return q.failSafe(ctx, q.res.Executed, errors.Wrap(err, "place stop"))
	}
	q.res.StopID = stopAck.ID
	q.to(StateProtectionSubmitted)

	sleep(ctx, s.cfg.VerifyDelay)
	got, err := s.gw.FetchOrder(ctx, stopAck.ID, in.Symbol)
	switch {
	case err != nil:
		q.log.Warn("[EXEC] stop verify failed, reconciliation will recheck", zap.String("order", stopAck.ID), zap.Error(err))
	case got.Status.Dead():
		return q.failSafe(ctx, q.res.Executed, &models.UnprotectedPositionError{
			Symbol: in.Symbol, Side: in.Side, Reason: "stop " + stopAck.ID + " " + string(got.Status),
		})
	}
	q.to(StateProtectionVerified)

	q.placeTakeProfit(ctx)

	q.to(StateComplete)
	q.log.Info("[EXEC] complete",
		zap.String("executed", q.res.Executed.String()),
		zap.String("avg", q.res.AvgPrice.String()),
		zap.String("stop", stop.String()))
	s.notifier.Send("Position opened", notify.Payload(
		"symbol", in.Symbol, "side", in.Side, "qty", q.res.Executed, "avg_price", q.res.AvgPrice,
		"stop", stop, "stop_id", q.res.StopID, "leverage", q.req.Params.Leverage, "margin", q.req.Params.MarginMode,
	), models.SeverityInfo)
	return q.res, nil
}

// applyExposure: плечо и режим маржи к новой позиции. Ошибки - предупреждения,
// кроме фатальных (ключи/права).
func (q *sequence) applyExposure(ctx context.Context) error {
	s, p, sym := q.s, q.req.Params, q.req.Intent.Symbol
	if p.MarginMode != "" {
		if err := s.gw.SetMarginMode(ctx, sym, p.MarginMode); err != nil {
			if models.IsFatal(err) {
				return err
			}
			q.log.Warn("[EXEC] set margin mode failed", zap.String("mode", string(p.MarginMode)), zap.Error(err))
		}
	}
	if p.Leverage > 0 {
		if err := s.gw.SetLeverage(ctx, sym, p.Leverage); err != nil {
			if models.IsFatal(err) {
				return err
			}
			q.log.Warn("[EXEC] set leverage failed", zap.Int("leverage", p.Leverage), zap.Error(err))
		}
	}
	return nil
}

// placeTakeProfit не критичен, без тейка позиция всё равно под стопом.
func (q *sequence) placeTakeProfit(ctx context.Context) {
	s, in := q.s, q.req.Intent
	if !in.TakeProfit.IsPositive() {
		return
	}
	inst, err := s.gw.FetchInstrument(ctx, in.Symbol)
	if err != nil {
		q.log.Warn("[EXEC] take profit skipped", zap.Error(err))
		return
	}
	tp := sizing.FloorToTick(in.TakeProfit, inst.TickSize)
	req := models.TakeProfitOrder(in.Symbol, in.Side.Opposite(), q.res.Executed, tp, s.newToken())
	b := Backoff{Attempts: s.cfg.TakeProfitAttempts, Base: s.cfg.Retry.Base, Max: s.cfg.Retry.Max}
	var ack models.OrderAck
	_, err = b.Do(ctx, func(int) error {
		var e error
		ack, e = s.gw.PlaceOrder(ctx, req)
		return e
	})
	if err != nil {
		q.log.Warn("[EXEC] take profit failed", zap.Error(err))
		s.notifier.Send("Take profit not placed", notify.Payload("symbol", in.Symbol, "price", tp, "error", err), models.SeverityWarning)
		return
	}
	q.res.TakeProfitID = ack.ID
}

// failSafe: позиция открыта, защиты нет - закрываем и шлём ровно один fatal алерт.
func (q *sequence) failSafe(ctx context.Context, qty decimal.Decimal, cause error) (Result, error) {
	s, in := q.s, q.req.Intent
	q.to(StatePartialFailure)
	q.log.Error("[EXEC] protection not established, closing", zap.Error(cause))

	q.to(StateEmergencyClose)
	closeErr := s.Close(ctx, in.Symbol, in.Side, qty, "fail-safe")

	title := "FAIL-SAFE CLOSE"
	if closeErr != nil {
		title = "FAIL-SAFE CLOSE FAILED: MANUAL INTERVENTION REQUIRED"
	}
	s.notifier.Send(title, notify.Payload(
		"symbol", in.Symbol, "side", in.Side, "qty", qty, "entry_token", q.res.Token,
		"cause", cause, "close_error", closeErr, "trail", q.res.Trail,
	), models.SeverityFatal)

	q.to(StateComplete)
	return q.res, errors.Wrapf(cause, "position %s not protected", in.Symbol)
}

// Close: reduce-only маркет на qty против позиции posSide. Повторы только на временных ошибках.
func (s *Sequencer) Close(ctx context.Context, symbol string, posSide models.Side, qty decimal.Decimal, reason string) error {
	req := models.CloseOrder(symbol, posSide.Opposite(), qty, s.newToken())
	b := Backoff{Attempts: s.cfg.CloseAttempts, Base: s.cfg.CloseDelay, Max: s.cfg.CloseDelay}
	_, err := b.Do(ctx, func(attempt int) error {
		_, e := s.gw.PlaceOrder(ctx, req)
		if e != nil {
			s.log.Warn("[EXEC] close attempt failed",
				zap.String("symbol", symbol), zap.String("reason", reason), zap.Int("attempt", attempt+1), zap.Error(e))
		}
		return e
	})
	if err != nil {
		metrics.EmergencyCloses.WithLabelValues("failed").Inc()
		return errors.Wrapf(err, "close %s", symbol)
	}
	metrics.EmergencyCloses.WithLabelValues("ok").Inc()
	s.log.Info("[EXEC] position closed", zap.String("symbol", symbol), zap.String("qty", qty.String()), zap.String("reason", reason))
	return nil
}
