// Package metrics: prometheus-метрики движка, регистрируются в init и
// отдаются health-сервером на /metrics.
//
//   - guard_exchange_calls_total{method,result} - вызовы биржи (ok|transient|fatal|rejected|error)
//   - guard_sequences_total{outcome}           - итоги входов (complete|aborted|idle|emergency_close|rejected)
//   - guard_reconcile_actions_total{action}    - create|cancel|recreate|verify_failed|error
//   - guard_emergency_closes_total{result}     - fail-safe закрытия (ok|failed)
//   - guard_naked_positions                    - позиции без стопа в последнем цикле
//   - guard_trading_halted                     - 1 если новые входы запрещены
//   - guard_drawdown_ratio, guard_leverage, guard_win_rate
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ExchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_exchange_calls_total",
			Help: "Exchange gateway calls by method and result",
		},
		[]string{"method", "result"},
	)

	Sequences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_sequences_total",
			Help: "Entry sequences by terminal outcome",
		},
		[]string{"outcome"},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_reconcile_actions_total",
			Help: "Ghost synchronizer actions",
		},
		[]string{"action"},
	)

	EmergencyCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_emergency_closes_total",
			Help: "Fail-safe market closes",
		},
		[]string{"result"},
	)

	NakedPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_naked_positions",
		Help: "Positions observed without a protective order in the last cycle",
	})

	TradingHalted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_trading_halted",
		Help: "1 when new entries are suppressed",
	})

	Drawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_drawdown_ratio",
		Help: "Drawdown below peak balance, fraction",
	})

	Leverage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_leverage",
		Help: "Leverage selected for the next entry",
	})

	WinRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guard_win_rate",
		Help: "Win rate over the recent trade window",
	})
)

func init() {
	prometheus.MustRegister(
		ExchangeCalls, Sequences, ReconcileActions, EmergencyCloses,
		NakedPositions, TradingHalted, Drawdown, Leverage, WinRate,
	)
}

func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
