// Package sizing: чистая арифметика размера позиции. Только округление вниз,
// никаких round/ceil: ордер должен быть по карману даже по худшей цене.
package sizing

import (
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

// ComputeSafeQuantity считает объём по риску:
//
//	raw = balance * riskFraction / stopDistance
//	qty = floor(raw / step) * step
//
// riskFraction: доля депозита (0.01 => 1%). Невалидные входы дают ноль.
func ComputeSafeQuantity(balance, riskFraction, stopDistance, stepSize decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() || !riskFraction.IsPositive() || !stopDistance.IsPositive() {
		return decimal.Zero
	}
	raw := balance.Mul(riskFraction).Div(stopDistance)
	return FloorToStep(raw, stepSize)
}

// FloorToStep округляет вниз до кратного step. step <= 0 - без изменений.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// FloorToTick: то же для цены.
func FloorToTick(px, tick decimal.Decimal) decimal.Decimal { return FloorToStep(px, tick) }

// ValidateMinNotional возвращает 0, если qty*price < minNotional. Ноль значит
// "в этом цикле не торгуем", а не ошибку.
func ValidateMinNotional(qty, price, minNotional decimal.Decimal) decimal.Decimal {
	if qty.Mul(price).LessThan(minNotional) {
		return decimal.Zero
	}
	return qty
}

// CapByMargin ограничивает номинал: balance * maxPositionPct/100 * leverage.
func CapByMargin(qty, balance, price decimal.Decimal, leverage int, maxPositionPct, step decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || leverage <= 0 || !maxPositionPct.IsPositive() {
		return qty
	}
	maxNotional := balance.Mul(maxPositionPct).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
	maxQty := FloorToStep(maxNotional.Div(price), step)
	if qty.GreaterThan(maxQty) {
		return maxQty
	}
	return qty
}

// StopLossPrice: стоп на pct% от входа против позиции, вниз до тика.
func StopLossPrice(entry decimal.Decimal, side models.Side, pct, tick decimal.Decimal) decimal.Decimal {
	frac := pct.Div(decimal.NewFromInt(100))
	var px decimal.Decimal
	if side == models.SideSell {
		px = entry.Mul(decimal.NewFromInt(1).Add(frac))
	} else {
		px = entry.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return FloorToTick(px, tick)
}

// PnL для линейного USDT-M контракта.
func PnL(side models.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == models.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
