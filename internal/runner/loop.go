// Package runner содержит единственный цикл управления: риск → сверка → таймауты тейков → вход.
// Всё общее состояние (позиции прошлого цикла, история, метрики) принадлежит циклу.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/execution"
	"trade_guard/internal/journal"
	"trade_guard/internal/metrics"
	"trade_guard/internal/models"
	"trade_guard/internal/notify"
	"trade_guard/internal/reconcile"
	"trade_guard/internal/risk"
	"trade_guard/internal/sizing"
	"trade_guard/pkg/tracing"
)

const (
	volatilityInterval = "15m"
	defaultStaleAfter  = 3 * time.Second
)

// PriceSource: последний снимок символа из стрима, без проверки свежести.
type PriceSource interface {
	LastTicker(symbol string) (models.Ticker, bool)
}

type Config struct {
	VolatilitySymbol  string
	DefaultVolatility float64
	MaxOpenPositions  int
	CycleInterval     time.Duration
	RecheckInterval   time.Duration
	// StaleAfter: снимок старше не годится для закрытия по таймауту тейка.
	StaleAfter time.Duration
}

// Status: снимок для health и /status.
type Status struct {
	Cycles     int                   `json:"cycles"`
	LastCycle  time.Time             `json:"last_cycle"`
	Halted     bool                  `json:"halted"`
	HaltReason string                `json:"halt_reason,omitempty"`
	Positions  int                   `json:"positions"`
	Naked      int                   `json:"naked"`
	Unresolved int                   `json:"unresolved"`
	Queued     int                   `json:"queued"`
	Params     models.RiskParameters `json:"params"`
	Metrics    models.RiskMetrics    `json:"metrics"`
}

// CycleResult: итог одного прохода.
type CycleResult struct {
	Synced    bool
	Halted    bool
	Entered   bool
	Closed    int
	TPTimeout int
}

type Loop struct {
	gw       exchange.Gateway
	seq      *execution.Sequencer
	sync     *reconcile.Synchronizer
	engine   *risk.Engine
	state    *risk.State
	tp       *risk.TakeProfitWatch
	store    journal.Store
	prices   PriceSource
	notifier notify.Notifier
	queue    *IntentQueue
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	prev   map[models.PosKey]models.CachedPos
	params models.RiskParameters

	mu      sync.RWMutex
	status  Status
	onCycle []func(Status)
}

type Deps struct {
	Gateway      exchange.Gateway
	Sequencer    *execution.Sequencer
	Synchronizer *reconcile.Synchronizer
	Engine       *risk.Engine
	Store        journal.Store
	Prices       PriceSource
	Notifier     notify.Notifier
	Queue        *IntentQueue
}

func New(d Deps, cfg Config, log *zap.Logger) *Loop {
	if d.Store == nil {
		d.Store = journal.Nop{}
	}
	if cfg.DefaultVolatility <= 0 {
		cfg.DefaultVolatility = risk.DefaultVolatility
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Loop{
		gw:       d.Gateway,
		seq:      d.Sequencer,
		sync:     d.Synchronizer,
		engine:   d.Engine,
		state:    risk.NewState(),
		tp:       risk.NewTakeProfitWatch(),
		store:    d.Store,
		prices:   d.Prices,
		notifier: d.Notifier,
		queue:    d.Queue,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		prev:     make(map[models.PosKey]models.CachedPos),
	}
}

// WithClock: часы для цикла и таймаута тейка.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	l.tp.WithClock(now)
	return l
}

func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Loop) State() *risk.State { return l.state }

// OnCycle: подписка на снимок после каждого завершённого цикла. Регистрировать до Run.
func (l *Loop) OnCycle(fn func(Status)) {
	l.onCycle = append(l.onCycle, fn)
}

// Restore поднимает историю и пик из журнала. Вызывается до первого цикла.
func (l *Loop) Restore(ctx context.Context) error {
	snap, err := l.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "restore risk state")
	}
	l.state = risk.Restore(snap)
	l.log.Info("[LOOP] risk state restored",
		zap.Int("trades", len(l.state.History)),
		zap.String("peak", l.state.PeakBalance.String()))
	return nil
}

// Run крутит циклы до отмены ctx. Фатальная ошибка биржи останавливает цикл и возвращается.
func (l *Loop) Run(ctx context.Context) error {
	for {
		res, err := l.Cycle(ctx)
		if err != nil {
			if models.IsFatal(err) {
				l.log.Error("[LOOP] fatal exchange error, stopping", zap.Error(err))
				l.notifier.Send("Controller stopped", notify.Payload("error", err), models.SeverityFatal)
				return err
			}
			l.log.Warn("[LOOP] cycle error", zap.Error(err))
		}

		wait := l.cfg.CycleInterval
		if err != nil || !res.Synced {
			wait = l.cfg.RecheckInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		case <-l.queue.Wake():
			t.Stop()
		}
	}
}

// Cycle: один проход. Мутирующая часть не прерывается отменой ctx:
// начатая постановка стопа должна доехать до конца.
func (l *Loop) Cycle(parent context.Context) (res CycleResult, err error) {
	ctx := context.WithoutCancel(parent)
	span, ctx := tracing.Start(ctx, "control_cycle")
	defer func() { tracing.Finish(span, err) }()

	positions, err := l.gw.FetchPositions(ctx)
	if err != nil {
		return res, errors.Wrap(err, "fetch positions")
	}
	bal, balErr := l.gw.FetchBalance(ctx)
	if balErr != nil {
		if models.IsFatal(balErr) {
			return res, errors.Wrap(balErr, "fetch balance")
		}
		l.log.Warn("[LOOP] balance unavailable, risk not updated, no entry this cycle", zap.Error(balErr))
	}

	res.Closed = l.trackClosed(ctx, positions)

	// 1. риск
	if balErr == nil {
		l.evaluateRisk(ctx, bal.Wallet)
	}
	res.Halted = l.params.Halted

	// 2. сверка: работает всегда, в том числе при остановке торговли
	rec := l.sync.Run(ctx, positions)
	res.Synced = rec.AllSynced()

	// 3. таймауты тейков
	res.TPTimeout = l.checkTakeProfits(ctx, positions, rec.TakeProfits)

	// 4. вход: пока хоть одна позиция без подтверждённой защиты, новых не открываем
	switch {
	case balErr != nil || l.params.Halted:
	case parent.Err() != nil:
		// идёт остановка: защиту довели, новых позиций не открываем
		if l.queue.Len() > 0 {
			l.log.Info("[LOOP] entry skipped: shutting down")
		}
	case !res.Synced:
		if l.queue.Len() > 0 {
			l.log.Info("[LOOP] entry postponed: reconciliation not clean")
		}
	default:
		entered, err := l.maybeEnter(ctx, positions, bal)
		if err != nil && models.IsFatal(err) {
			return res, err
		}
		res.Entered = entered
	}

	l.publish(positions, rec)
	span.SetTag("synced", res.Synced)
	span.SetTag("halted", res.Halted)
	return res, nil
}

// trackClosed: позиции прошлого цикла, которых больше нет, записываются как сделки.
func (l *Loop) trackClosed(ctx context.Context, positions []models.Position) int {
	now := l.now()
	live := make(map[models.PosKey]struct{}, len(positions))
	next := make(map[models.PosKey]models.CachedPos, len(positions))
	for _, p := range positions {
		k := p.Key()
		live[k] = struct{}{}
		c := models.CachedPos{Position: p, UpdatedAt: now}
		if old, ok := l.prev[k]; ok {
			c.LastPx = old.LastPx
		}
		if px, ok := l.price(p.Symbol); ok {
			c.LastPx = px
		}
		next[k] = c
	}

	closed := 0
	for k, c := range l.prev {
		if _, ok := live[k]; ok {
			continue
		}
		closed++
		exit := c.LastPx
		if px, ok := l.price(c.Symbol); ok {
			exit = px
		}
		if !exit.IsPositive() {
			exit = c.EntryPrice
		}
		rec := models.TradeRecord{
			Symbol:     c.Symbol,
			Side:       c.Side,
			EntryPrice: c.EntryPrice,
			ExitPrice:  exit,
			Quantity:   c.Quantity,
			PnL:        sizing.PnL(c.Side, c.EntryPrice, exit, c.Quantity),
			ClosedAt:   now,
		}
		l.state.RecordTrade(rec)
		if err := l.store.AppendTrade(ctx, rec); err != nil {
			l.log.Error("[LOOP] journal append failed", zap.String("symbol", rec.Symbol), zap.Error(err))
		}
		l.tp.Forget(k)
		l.log.Info("[LOOP] position closed",
			zap.String("symbol", rec.Symbol),
			zap.String("side", string(rec.Side)),
			zap.String("entry", rec.EntryPrice.String()),
			zap.String("exit", rec.ExitPrice.String()),
			zap.String("pnl", rec.PnL.String()))
		l.notifier.Send("Position closed", notify.Payload(
			"symbol", rec.Symbol, "side", rec.Side, "qty", rec.Quantity,
			"entry", rec.EntryPrice, "exit", rec.ExitPrice, "pnl", rec.PnL,
		), models.SeverityInfo)
	}

	l.prev = next
	l.tp.Prune(live)
	return closed
}

// price: mid последнего снимка любой давности, только для оценки выхода в журнал.
func (l *Loop) price(symbol string) (decimal.Decimal, bool) {
	if l.prices == nil {
		return decimal.Zero, false
	}
	t, ok := l.prices.LastTicker(symbol)
	if !ok {
		return decimal.Zero, false
	}
	px := t.Mid()
	return px, px.IsPositive()
}

// freshPrice: mid снимка моложе StaleAfter. На нём можно принимать решение об ордере.
func (l *Loop) freshPrice(symbol string) (decimal.Decimal, bool) {
	if l.prices == nil {
		return decimal.Zero, false
	}
	t, ok := l.prices.LastTicker(symbol)
	if !ok || t.Timestamp.IsZero() {
		return decimal.Zero, false
	}
	if age := l.now().Sub(t.Timestamp); age >= l.cfg.StaleAfter {
		return decimal.Zero, false
	}
	px := t.Mid()
	return px, px.IsPositive()
}

// volatility: ATR% по 15m свечам, без свечей - значение по умолчанию.
func (l *Loop) volatility(ctx context.Context) float64 {
	if l.cfg.VolatilitySymbol == "" {
		return l.cfg.DefaultVolatility
	}
	candles, err := l.gw.FetchCandles(ctx, l.cfg.VolatilitySymbol, volatilityInterval, risk.ATRPeriod+1)
	if err != nil {
		l.log.Warn("[RISK] candles unavailable, default volatility", zap.Error(err))
		return l.cfg.DefaultVolatility
	}
	atr, ok := risk.ATRPercent(candles, risk.ATRPeriod)
	if !ok {
		return l.cfg.DefaultVolatility
	}
	return atr
}

func (l *Loop) evaluateRisk(ctx context.Context, wallet decimal.Decimal) {
	prevPeak := l.state.PeakBalance
	m := l.engine.Metrics(l.state, wallet, l.volatility(ctx))
	if !l.state.PeakBalance.Equal(prevPeak) {
		if err := l.store.SavePeak(ctx, l.state.PeakBalance); err != nil {
			l.log.Error("[LOOP] journal save peak failed", zap.Error(err))
		}
	}

	wasHalted := l.params.Halted
	l.params = l.engine.Evaluate(m)

	metrics.Drawdown.Set(m.Drawdown)
	metrics.WinRate.Set(m.WinRate)
	metrics.Leverage.Set(float64(l.params.Leverage))
	metrics.TradingHalted.Set(metrics.Bool(l.params.Halted))

	switch {
	case l.params.Halted && !wasHalted:
		l.log.Warn("[RISK] trading halted", zap.String("reason", l.params.HaltReason))
		l.notifier.Send("Trading halted", notify.Payload(
			"reason", l.params.HaltReason, "drawdown", m.Drawdown, "losses", m.ConsecutiveLosses, "wallet", wallet,
		), models.SeverityCritical)
	case !l.params.Halted && wasHalted:
		l.log.Info("[RISK] trading resumed")
		l.notifier.Send("Trading resumed", notify.Payload("drawdown", m.Drawdown, "losses", m.ConsecutiveLosses), models.SeverityInfo)
	}

	l.mu.Lock()
	l.status.Metrics = m
	l.mu.Unlock()
}

// checkTakeProfits закрывает маркетом позицию, если цена стоит на тейке дольше таймаута, а тейк не исполнен.
func (l *Loop) checkTakeProfits(ctx context.Context, positions []models.Position, tps []models.ProtectiveOrder) int {
	timeout := time.Duration(l.params.TPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(l.engine.Config().TPTimeoutSeconds) * time.Second
	}
	closed := 0
	for _, p := range positions {
		tp, ok := takeProfitFor(tps, p)
		if !ok {
			continue
		}
		px, ok := l.freshPrice(p.Symbol)
		if !ok {
			// пока цена протухла, не знаем, стоит ли она на тейке: таймер с нуля
			if l.tp.Armed(p.Key()) {
				l.log.Warn("[LOOP] take profit timer reset, price is stale", zap.String("symbol", p.Symbol))
			}
			l.tp.Reset(p.Key())
			continue
		}
		if !l.tp.Observe(p.Key(), px, tp.TriggerPrice, timeout) {
			continue
		}

		l.log.Warn("[LOOP] take profit not filled in time, closing",
			zap.String("symbol", p.Symbol), zap.String("trigger", tp.TriggerPrice.String()), zap.String("price", px.String()))
		if err := l.seq.Close(ctx, p.Symbol, p.Side, p.Quantity, "take-profit timeout"); err != nil {
			l.tp.Forget(p.Key())
			l.notifier.Send("Take-profit timeout close failed", notify.Payload(
				"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity, "trigger", tp.TriggerPrice, "error", err,
			), models.SeverityCritical)
			continue
		}
		closed++
		l.notifier.Send("Take-profit timeout close", notify.Payload(
			"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity, "trigger", tp.TriggerPrice, "price", px, "timeout", timeout.String(),
		), models.SeverityWarning)
	}
	return closed
}

func takeProfitFor(tps []models.ProtectiveOrder, p models.Position) (models.ProtectiveOrder, bool) {
	for _, o := range tps {
		if o.Symbol == p.Symbol && o.Side == p.Side.Opposite() && o.TriggerPrice.IsPositive() {
			return o, true
		}
	}
	return models.ProtectiveOrder{}, false
}

// maybeEnter: не больше одного входа за цикл.
func (l *Loop) maybeEnter(ctx context.Context, positions []models.Position, bal models.Balance) (bool, error) {
	in, ok := l.queue.Pop()
	if !ok {
		return false, nil
	}
	log := l.log.With(zap.String("symbol", in.Symbol), zap.String("side", string(in.Side)))

	if len(positions) >= l.cfg.MaxOpenPositions {
		log.Info("[LOOP] intent dropped: max open positions", zap.Int("open", len(positions)))
		return false, nil
	}
	for _, p := range positions {
		if p.Symbol == in.Symbol {
			log.Info("[LOOP] intent dropped: symbol already has a position")
			return false, nil
		}
	}

	res, err := l.seq.Execute(ctx, execution.Request{Intent: in, Balance: bal.Available, Params: l.params})
	if err != nil {
		log.Warn("[LOOP] entry sequence ended with error", zap.String("state", string(res.State)), zap.Error(err))
		return false, err
	}
	return res.State == execution.StateComplete, nil
}

func (l *Loop) publish(positions []models.Position, rec reconcile.Result) {
	l.mu.Lock()
	l.status.Cycles++
	l.status.LastCycle = l.now()
	l.status.Halted = l.params.Halted
	l.status.HaltReason = l.params.HaltReason
	l.status.Params = l.params
	l.status.Positions = len(positions)
	l.status.Naked = rec.Naked
	l.status.Unresolved = len(rec.Unresolved)
	l.status.Queued = l.queue.Len()
	st := l.status
	l.mu.Unlock()

	for _, fn := range l.onCycle {
		fn(st)
	}
}
