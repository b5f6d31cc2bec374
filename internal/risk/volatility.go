package risk

import (
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

const (
	ATRPeriod         = 14
	DefaultVolatility = 2.0
)

// ATRPercent: ATR(period) в процентах от последнего close.
// Простое среднее true range по последним period свечам. ok=false, если свечей мало.
func ATRPercent(candles []models.Candle, period int) (float64, bool) {
	if period < 1 || len(candles) < period+1 {
		return 0, false
	}
	window := candles[len(candles)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		c, prev := window[i], window[i-1].Close
		tr := c.High.Sub(c.Low)
		if hc := c.High.Sub(prev).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := c.Low.Sub(prev).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
		sum = sum.Add(tr)
	}
	last := window[len(window)-1].Close
	if !last.IsPositive() {
		return 0, false
	}
	pct, _ := sum.Div(decimal.NewFromInt(int64(period))).Div(last).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}
