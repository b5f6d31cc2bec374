package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/execution"
	"trade_guard/internal/journal"
	"trade_guard/internal/marketdata"
	"trade_guard/internal/modules/config"
	"trade_guard/internal/modules/health"
	healthsvc "trade_guard/internal/modules/health/service"
	"trade_guard/internal/notify"
	"trade_guard/internal/reconcile"
	"trade_guard/internal/risk"
	"trade_guard/pkg/db"
)

const intentQueueSize = 20

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newGate(gw exchange.Gateway, cfg *config.Config) *marketdata.Gate {
	return marketdata.NewGate(gw, cfg.StaleAfter(), cfg.SpreadLimit)
}

func newSequencer(gw exchange.Gateway, gate *marketdata.Gate, n notify.Notifier, cfg *config.Config, log *zap.Logger) *execution.Sequencer {
	return execution.New(gw, gate, n, execution.Config{
		RiskFraction:   dec(cfg.RiskPercent).Div(decimal.NewFromInt(100)),
		MinNotional:    dec(cfg.MinNotional),
		MaxPositionPct: dec(cfg.MaxPositionPercent),
		StopLossPct:    dec(cfg.StopLossPercent),
		Retry: execution.Backoff{
			Attempts: cfg.RetryCount,
			Base:     cfg.RetryBaseDelay,
			Max:      cfg.RetryMaxDelay,
		},
		TakeProfitAttempts: config.TakeProfitAttempts,
		CloseAttempts:      cfg.RetryCount,
		CloseDelay:         cfg.RetryBaseDelay,
		VerifyDelay:        cfg.VerifyDelay,
	}, log)
}

func newSynchronizer(gw exchange.Gateway, n notify.Notifier, cfg *config.Config, log *zap.Logger) *reconcile.Synchronizer {
	return reconcile.New(gw, n, reconcile.Config{
		StopLossPct:      dec(cfg.StopLossPercent),
		QtyTolerance:     dec(cfg.QtyTolerance),
		VerifyDelay:      cfg.VerifyDelay,
		NakedAlertCycles: cfg.NakedAlertCycles,
		CancelOrphans:    cfg.CancelOrphans,
	}, execution.NewToken, log)
}

func newEngine(cfg *config.Config, log *zap.Logger) *risk.Engine {
	return risk.NewEngine(risk.Config{
		BaseLeverage:         cfg.BaseLeverage,
		MinLeverage:          cfg.MinLeverage,
		MaxLeverage:          cfg.MaxLeverage,
		HighVolatility:       cfg.HighVolatility,
		LowVolatility:        cfg.LowVolatility,
		GoodWinRate:          cfg.GoodWinRate,
		BadWinRate:           cfg.BadWinRate,
		MinTradesForWinRate:  cfg.MinTradesForWinRate,
		MaxDrawdown:          cfg.MaxDrawdown,
		SafeDrawdown:         cfg.SafeDrawdown,
		TrendThreshold:       cfg.TrendThreshold,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		TPTimeoutSeconds:     cfg.TPTimeoutSeconds,
	}, nil, log)
}

// newStore: Postgres, если он поднят, иначе файл.
func newStore(ctx context.Context, pg *db.PgTxManager, cfg *config.Config, log *zap.Logger) (journal.Store, error) {
	if pg == nil {
		log.Info("[JOURNAL] file store", zap.String("path", cfg.JournalFile))
		return journal.NewFileStore(cfg.JournalFile), nil
	}
	s := journal.NewPgStore(pg)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	log.Info("[JOURNAL] postgres store")
	return s, nil
}

func newLoop(
	gw exchange.Gateway,
	seq *execution.Sequencer,
	sc *reconcile.Synchronizer,
	engine *risk.Engine,
	store journal.Store,
	stream *marketdata.Stream,
	n notify.Notifier,
	q *IntentQueue,
	cfg *config.Config,
	log *zap.Logger,
) *Loop {
	return New(Deps{
		Gateway:      gw,
		Sequencer:    seq,
		Synchronizer: sc,
		Engine:       engine,
		Store:        store,
		Prices:       stream,
		Notifier:     n,
		Queue:        q,
	}, Config{
		VolatilitySymbol:  cfg.VolatilitySymbol,
		DefaultVolatility: cfg.DefaultVolatility,
		MaxOpenPositions:  cfg.MaxOpenPositions,
		CycleInterval:     cfg.CycleInterval,
		RecheckInterval:   cfg.RecheckInterval,
		StaleAfter:        cfg.StaleAfter(),
	}, log)
}

// statusText: ответ на /status в Telegram.
func statusText(st Status) string {
	var b strings.Builder
	if st.Cycles == 0 {
		return "no cycles yet"
	}
	fmt.Fprintf(&b, "cycles: %d, last: %s\n", st.Cycles, st.LastCycle.UTC().Format("15:04:05"))
	if st.Halted {
		fmt.Fprintf(&b, "HALTED: %s\n", st.HaltReason)
	}
	fmt.Fprintf(&b, "positions: %d, naked: %d, unresolved: %d, queued: %d\n",
		st.Positions, st.Naked, st.Unresolved, st.Queued)
	fmt.Fprintf(&b, "leverage: %dx %s, tp timeout: %ds\n",
		st.Params.Leverage, st.Params.MarginMode, st.Params.TPTimeoutSeconds)
	fmt.Fprintf(&b, "drawdown: %.2f%%, win rate: %.0f%%, losses in row: %d",
		st.Metrics.Drawdown*100, st.Metrics.WinRate*100, st.Metrics.ConsecutiveLosses)
	return b.String()
}

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			func() *IntentQueue { return NewIntentQueue(intentQueueSize) },
			func(q *IntentQueue) health.IntentSink { return q },
			newGate,
			newSequencer,
			newSynchronizer,
			newEngine,
			newStore,
			newLoop,
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			sd fx.Shutdowner,
			l *Loop,
			hs *healthsvc.State,
			tg *notify.Telegram,
			log *zap.Logger,
		) {
			l.OnCycle(func(st Status) {
				hs.SetHalted(st.Halted, st.HaltReason)
				hs.SetProtection(st.Naked, st.Unresolved)
				hs.TouchCycle(st.LastCycle)
			})
			if tg != nil {
				tg.OnStatus(func() string { return statusText(l.Status()) })
			}

			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := l.Restore(ctx); err != nil {
						cancel()
						return err
					}
					go func() {
						defer close(done)
						if err := l.Run(runCtx); err != nil {
							log.Error("[RUNNER] control loop stopped", zap.Error(err))
							_ = sd.Shutdown(fx.ExitCode(1))
						}
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-ctx.Done():
						log.Error("[RUNNER] stop timeout, cycle still in flight", zap.Error(ctx.Err()))
						return ctx.Err()
					}
					return nil
				},
			})
		}),
	)
}
