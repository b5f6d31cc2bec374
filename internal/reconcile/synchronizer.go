// Package reconcile содержит ghost synchronizer. Раз в цикл приводит стопы на бирже
// к фактическим позициям. Только cancel → create, никакого редактирования.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/metrics"
	"trade_guard/internal/models"
	"trade_guard/internal/notify"
	"trade_guard/internal/sizing"
	"trade_guard/pkg/tracing"
)

type Config struct {
	StopLossPct      decimal.Decimal
	QtyTolerance     decimal.Decimal
	VerifyDelay      time.Duration
	NakedAlertCycles int
	CancelOrphans    bool
}

type Result struct {
	PositionsChecked int
	MissingFixed     int
	MismatchFixed    int
	OrphansCanceled  int
	Naked            int
	Errors           int
	Unresolved       []*models.UnprotectedPositionError
	// TakeProfits: живые тейки на момент цикла, для таймаута тейка.
	TakeProfits []models.ProtectiveOrder
}

// AllSynced: все позиции под корректным стопом.
func (r Result) AllSynced() bool { return r.Errors == 0 && len(r.Unresolved) == 0 }

type Synchronizer struct {
	gw       exchange.Gateway
	notifier notify.Notifier
	cfg      Config
	log      *zap.Logger
	newToken func() string

	// подряд идущие циклы, в которых у позиции не было ни одного стопа
	naked map[models.PosKey]int
}

func New(gw exchange.Gateway, notifier notify.Notifier, cfg Config, newToken func() string, log *zap.Logger) *Synchronizer {
	if cfg.NakedAlertCycles < 1 {
		cfg.NakedAlertCycles = 2
	}
	return &Synchronizer{
		gw:       gw,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		newToken: newToken,
		naked:    make(map[models.PosKey]int),
	}
}

// NakedStreak: сколько циклов подряд позиция без стопа.
func (s *Synchronizer) NakedStreak(k models.PosKey) int { return s.naked[k] }

// Run: один проход. Позиции обрабатываются по одной, по алфавиту символов.
func (s *Synchronizer) Run(ctx context.Context, positions []models.Position) Result {
	span, ctx := tracing.Start(ctx, "reconcile", "positions", len(positions))
	defer tracing.Finish(span, nil)

	res := Result{PositionsChecked: len(positions)}

	orders, err := s.gw.FetchOpenOrders(ctx, "")
	if err != nil {
		s.log.Error("[SYNC] fetch open orders failed, cycle skipped", zap.Error(err))
		res.Errors++
		metrics.ReconcileActions.WithLabelValues("error").Inc()
		return res
	}
	for _, o := range orders {
		if o.Kind == models.KindTakeProfit && !o.Status.Dead() {
			res.TakeProfits = append(res.TakeProfits, o)
		}
	}

	sorted := append([]models.Position(nil), positions...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Symbol == sorted[j].Symbol {
			return sorted[i].Side < sorted[j].Side
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	live := make(map[models.PosKey]struct{}, len(sorted))
	for _, p := range sorted {
		live[p.Key()] = struct{}{}
		s.syncOne(ctx, p, stopsFor(orders, p), &res)
	}

	for k := range s.naked {
		if _, ok := live[k]; !ok {
			delete(s.naked, k)
		}
	}
	if s.cfg.CancelOrphans {
		s.cancelOrphans(ctx, orders, sorted, &res)
	}

	metrics.NakedPositions.Set(float64(res.Naked))
	span.SetTag("all_synced", res.AllSynced())
	if res.MissingFixed+res.MismatchFixed+res.Errors+len(res.Unresolved) > 0 {
		s.log.Info("[SYNC] done",
			zap.Int("positions", res.PositionsChecked),
			zap.Int("missing_fixed", res.MissingFixed),
			zap.Int("mismatch_fixed", res.MismatchFixed),
			zap.Int("errors", res.Errors),
			zap.Int("unresolved", len(res.Unresolved)))
	}
	return res
}

// stopsFor: стопы по символу на закрывающей стороне.
func stopsFor(orders []models.ProtectiveOrder, p models.Position) []models.ProtectiveOrder {
	var out []models.ProtectiveOrder
	for _, o := range orders {
		if o.Kind == models.KindStop && o.Symbol == p.Symbol && o.Side == p.Side.Opposite() && !o.Status.Dead() {
			out = append(out, o)
		}
	}
	return out
}

func (s *Synchronizer) qtyMatches(o models.ProtectiveOrder, p models.Position) bool {
	if o.ClosePosition {
		return true
	}
	return o.Quantity.Sub(p.Quantity).Abs().LessThanOrEqual(s.cfg.QtyTolerance)
}

func (s *Synchronizer) syncOne(ctx context.Context, p models.Position, stops []models.ProtectiveOrder, res *Result) {
	key := p.Key()
	log := s.log.With(zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)), zap.String("qty", p.Quantity.String()))

	if len(stops) == 0 {
		s.naked[key]++
		res.Naked++
		if s.naked[key] >= s.cfg.NakedAlertCycles {
			s.notifier.Send("Naked position", notify.Payload(
				"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity, "entry", p.EntryPrice, "cycles", s.naked[key],
			), models.SeverityCritical)
		}
		log.Warn("[SYNC] no stop order, creating")
		if s.create(ctx, p, decimal.Zero, res, log) {
			res.MissingFixed++
		}
		return
	}
	s.naked[key] = 0

	var matching, other []models.ProtectiveOrder
	for _, o := range stops {
		if s.qtyMatches(o, p) {
			matching = append(matching, o)
		} else {
			other = append(other, o)
		}
	}
	if len(matching) > 0 {
		// лишние стопы снимаем, один корректный оставляем
		extras := append(other, matching[1:]...)
		if len(extras) == 0 {
			return
		}
		log.Warn("[SYNC] extra stop orders", zap.Int("count", len(extras)))
		if s.cancelAll(ctx, p, extras, res, log) {
			res.MismatchFixed++
		}
		return
	}

	log.Warn("[SYNC] stop quantity mismatch", zap.String("stop_qty", stops[0].Quantity.String()))
	if !s.cancelAll(ctx, p, stops, res, log) {
		return
	}
	if s.create(ctx, p, stops[0].TriggerPrice, res, log) {
		res.MismatchFixed++
	}
}

func (s *Synchronizer) cancelAll(ctx context.Context, p models.Position, orders []models.ProtectiveOrder, res *Result, log *zap.Logger) bool {
	for _, o := range orders {
		if err := s.gw.CancelOrder(ctx, o.ID, o.Symbol); err != nil {
			log.Error("[SYNC] cancel failed", zap.String("order", o.ID), zap.Error(err))
			s.unresolved(p, "cancel "+o.ID+": "+err.Error(), res)
			return false
		}
		metrics.ReconcileActions.WithLabelValues("cancel").Inc()
		log.Info("[SYNC] canceled", zap.String("order", o.ID), zap.String("order_qty", o.Quantity.String()))
	}
	return true
}

// create ставит стоп на живой объём. trigger <= 0 - цена от входа и STOPLOSS_PERCENT.
// Отказ биржи не повторяется в этом же цикле: позиция помечается до следующего.
func (s *Synchronizer) create(ctx context.Context, p models.Position, trigger decimal.Decimal, res *Result, log *zap.Logger) bool {
	inst, err := s.gw.FetchInstrument(ctx, p.Symbol)
	if err != nil {
		s.unresolved(p, "instrument: "+err.Error(), res)
		return false
	}
	if !trigger.IsPositive() {
		trigger = sizing.StopLossPrice(p.EntryPrice, p.Side, s.cfg.StopLossPct, inst.TickSize)
	}
	if !trigger.IsPositive() {
		s.unresolved(p, "cannot derive stop price", res)
		return false
	}

	req := models.StopOrder(p.Symbol, p.Side.Opposite(), p.Quantity, trigger, s.newToken())
	ack, err := s.gw.PlaceOrder(ctx, req)
	if err != nil {
		log.Error("[SYNC] create stop failed", zap.String("trigger", trigger.String()), zap.Error(err))
		s.unresolved(p, "create: "+err.Error(), res)
		return false
	}
	metrics.ReconcileActions.WithLabelValues("create").Inc()

	if s.cfg.VerifyDelay > 0 {
		t := time.NewTimer(s.cfg.VerifyDelay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	got, err := s.gw.FetchOrder(ctx, ack.ID, p.Symbol)
	if err != nil {
		log.Warn("[SYNC] verify failed, assuming placed", zap.String("order", ack.ID), zap.Error(err))
	} else if got.Status.Dead() {
		metrics.ReconcileActions.WithLabelValues("verify_failed").Inc()
		log.Error("[SYNC] stop dead right after create",
			zap.String("order", ack.ID),
			zap.String("status", string(got.Status)),
			zap.String("trigger", trigger.String()),
			zap.String("entry", p.EntryPrice.String()),
			zap.String("token", req.Token))
		s.unresolved(p, "stop "+ack.ID+" "+string(got.Status)+" after create", res)
		return false
	}

	log.Info("[SYNC] stop placed", zap.String("order", ack.ID), zap.String("trigger", trigger.String()))
	s.notifier.Send("Stop placed", notify.Payload(
		"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity, "trigger", trigger, "order", ack.ID,
	), models.SeverityInfo)
	return true
}

func (s *Synchronizer) unresolved(p models.Position, reason string, res *Result) {
	e := &models.UnprotectedPositionError{Symbol: p.Symbol, Side: p.Side, Reason: reason}
	res.Errors++
	res.Unresolved = append(res.Unresolved, e)
	s.notifier.Send("Position not protected", notify.Payload(
		"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity, "entry", p.EntryPrice, "reason", reason,
	), models.SeverityCritical)
}

// cancelOrphans снимает условные ордера по символам без позиции.
func (s *Synchronizer) cancelOrphans(ctx context.Context, orders []models.ProtectiveOrder, positions []models.Position, res *Result) {
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		open[p.Symbol] = struct{}{}
	}
	for _, o := range orders {
		if _, ok := open[o.Symbol]; ok || o.Status.Dead() {
			continue
		}
		if err := s.gw.CancelOrder(ctx, o.ID, o.Symbol); err != nil {
			s.log.Warn("[SYNC] orphan cancel failed", zap.String("symbol", o.Symbol), zap.String("order", o.ID), zap.Error(err))
			continue
		}
		metrics.ReconcileActions.WithLabelValues("orphan_cancel").Inc()
		res.OrphansCanceled++
		s.log.Info("[SYNC] orphan order canceled", zap.String("symbol", o.Symbol), zap.String("order", o.ID), zap.String("kind", string(o.Kind)))
	}
}
