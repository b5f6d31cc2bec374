// Package risk считает адаптивные параметры: плечо, режим маржи, остановка входов
// и таймаут тейка. Всё считается из истории сделок и живого баланса.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

type Config struct {
	BaseLeverage int
	MinLeverage  int
	MaxLeverage  int

	HighVolatility float64
	LowVolatility  float64

	GoodWinRate          float64
	BadWinRate           float64
	MinTradesForWinRate  int
	MaxDrawdown          float64
	SafeDrawdown         float64
	TrendThreshold       float64
	MaxConsecutiveLosses int

	TPTimeoutSeconds int
}

func DefaultConfig() Config {
	return Config{
		BaseLeverage:         10,
		MinLeverage:          3,
		MaxLeverage:          20,
		HighVolatility:       3.0,
		LowVolatility:        1.0,
		GoodWinRate:          0.60,
		BadWinRate:           0.40,
		MinTradesForWinRate:  10,
		MaxDrawdown:          0.20,
		SafeDrawdown:         0.10,
		TrendThreshold:       0.7,
		MaxConsecutiveLosses: 4,
		TPTimeoutSeconds:     300,
	}
}

// TrendEstimator: оценка силы тренда в [0,1]. Подменяемая.
type TrendEstimator interface {
	TrendStrength(st *State) float64
}

// WinRateTrend: сила тренда = winRate последних сделок.
type WinRateTrend struct{}

func (WinRateTrend) TrendStrength(st *State) float64 {
	return clamp01(st.WinRate())
}

type Engine struct {
	cfg   Config
	trend TrendEstimator
	log   *zap.Logger
}

func NewEngine(cfg Config, trend TrendEstimator, log *zap.Logger) *Engine {
	if trend == nil {
		trend = WinRateTrend{}
	}
	return &Engine{cfg: cfg, trend: trend, log: log}
}

func (e *Engine) Config() Config { return e.cfg }

// Metrics пересчитывает метрики. wallet двигает пик, поэтому вызывается раз в цикл.
func (e *Engine) Metrics(st *State, wallet decimal.Decimal, volatility float64) models.RiskMetrics {
	st.ObserveBalance(wallet)
	return models.RiskMetrics{
		Volatility:        volatility,
		WinRate:           st.WinRate(),
		Drawdown:          st.Drawdown(wallet),
		ConsecutiveLosses: st.ConsecutiveLosses(),
		TrendStrength:     clamp01(e.trend.TrendStrength(st)),
		TotalTrades:       len(st.History),
	}
}

func (e *Engine) winRateCounts(m models.RiskMetrics) bool {
	return m.TotalTrades >= e.cfg.MinTradesForWinRate
}

// ComputeLeverage: поправки по порядку, затем clamp в [min, max].
// Сильная просадка сразу даёт минимум, остальные поправки не важны.
func (e *Engine) ComputeLeverage(m models.RiskMetrics) int {
	c := e.cfg
	if m.Drawdown > c.MaxDrawdown {
		return c.MinLeverage
	}

	lev := c.BaseLeverage
	switch {
	case m.Volatility > c.HighVolatility:
		lev -= 3
	case m.Volatility < c.LowVolatility:
		lev += 2
	}
	if e.winRateCounts(m) {
		switch {
		case m.WinRate < c.BadWinRate:
			lev -= 2
		case m.WinRate > c.GoodWinRate:
			lev++
		}
	}
	if m.ConsecutiveLosses >= 3 {
		lev -= 2
	}
	if m.Drawdown > c.MaxDrawdown/2 {
		lev -= 2
	}
	return clampInt(lev, c.MinLeverage, c.MaxLeverage)
}

// SelectMarginMode: по умолчанию ISOLATED. CROSS только без единого
// условия безопасности и при сильном тренде с хорошим winRate.
func (e *Engine) SelectMarginMode(m models.RiskMetrics) models.MarginMode {
	c := e.cfg
	if m.Drawdown > c.SafeDrawdown || m.Volatility > c.HighVolatility || m.ConsecutiveLosses >= 2 {
		return models.MarginIsolated
	}
	if m.TrendStrength > c.TrendThreshold && m.WinRate > c.GoodWinRate && e.winRateCounts(m) {
		return models.MarginCross
	}
	return models.MarginIsolated
}

// ShouldHaltTrading: запрет новых входов. Сверка и аварийные закрытия работают дальше.
func (e *Engine) ShouldHaltTrading(m models.RiskMetrics) (bool, string) {
	c := e.cfg
	if m.Drawdown > c.MaxDrawdown {
		return true, fmt.Sprintf("max drawdown exceeded: %.1f%% > %.1f%%", m.Drawdown*100, c.MaxDrawdown*100)
	}
	if m.ConsecutiveLosses > c.MaxConsecutiveLosses {
		return true, fmt.Sprintf("too many consecutive losses: %d", m.ConsecutiveLosses)
	}
	return false, ""
}

// TPTimeout: при высокой волатильности ждём тейк вдвое меньше, но не меньше 30с.
func (e *Engine) TPTimeout(m models.RiskMetrics) int {
	t := e.cfg.TPTimeoutSeconds
	if m.Volatility > e.cfg.HighVolatility {
		t = max(t/2, min(30, t))
	}
	return t
}

// Evaluate: параметры для следующего входа. Открытые позиции не трогаются.
func (e *Engine) Evaluate(m models.RiskMetrics) models.RiskParameters {
	halted, reason := e.ShouldHaltTrading(m)
	p := models.RiskParameters{
		Leverage:         e.ComputeLeverage(m),
		MarginMode:       e.SelectMarginMode(m),
		TPTimeoutSeconds: e.TPTimeout(m),
		Halted:           halted,
		HaltReason:       reason,
	}
	e.log.Debug("[RISK] evaluated",
		zap.Float64("volatility", m.Volatility),
		zap.Float64("win_rate", m.WinRate),
		zap.Float64("drawdown", m.Drawdown),
		zap.Int("losses", m.ConsecutiveLosses),
		zap.Float64("trend", m.TrendStrength),
		zap.Int("leverage", p.Leverage),
		zap.String("margin", string(p.MarginMode)),
		zap.Bool("halted", halted))
	return p
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
