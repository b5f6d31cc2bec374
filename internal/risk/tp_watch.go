package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

// TakeProfitWatch держит таймер на позицию, у которой цена дошла до тейка, а ордер не исполнился.
// Цена ушла назад - таймер сброшен. Сигнал на закрытие выдаётся один раз.
type TakeProfitWatch struct {
	since map[models.PosKey]time.Time
	fired map[models.PosKey]bool
	now   func() time.Time
}

func NewTakeProfitWatch() *TakeProfitWatch {
	return &TakeProfitWatch{
		since: make(map[models.PosKey]time.Time),
		fired: make(map[models.PosKey]bool),
		now:   time.Now,
	}
}

func (w *TakeProfitWatch) WithClock(now func() time.Time) *TakeProfitWatch {
	w.now = now
	return w
}

// reached: для лонга цена >= тейка, для шорта <=.
func reached(side models.Side, price, trigger decimal.Decimal) bool {
	if side == models.SideSell {
		return price.LessThanOrEqual(trigger)
	}
	return price.GreaterThanOrEqual(trigger)
}

// Observe возвращает true, когда позицию пора закрыть маркетом.
func (w *TakeProfitWatch) Observe(key models.PosKey, price, trigger decimal.Decimal, timeout time.Duration) bool {
	if w.fired[key] || !price.IsPositive() || !trigger.IsPositive() {
		return false
	}
	if !reached(key.Side, price, trigger) {
		delete(w.since, key)
		return false
	}
	now := w.now()
	start, armed := w.since[key]
	if !armed {
		w.since[key] = now
		return false
	}
	if now.Sub(start) <= timeout {
		return false
	}
	w.fired[key] = true
	delete(w.since, key)
	return true
}

// Armed: таймер запущен.
func (w *TakeProfitWatch) Armed(key models.PosKey) bool {
	_, ok := w.since[key]
	return ok
}

// Reset сбрасывает запущенный таймер, не трогая отметку о выданном сигнале.
func (w *TakeProfitWatch) Reset(key models.PosKey) {
	delete(w.since, key)
}

// Forget вызывается, когда позиция закрыта или закрытие не удалось. Следующий тейк считается заново.
func (w *TakeProfitWatch) Forget(key models.PosKey) {
	delete(w.since, key)
	delete(w.fired, key)
}

// Prune убирает ключи позиций, которых больше нет.
func (w *TakeProfitWatch) Prune(live map[models.PosKey]struct{}) {
	for k := range w.since {
		if _, ok := live[k]; !ok {
			delete(w.since, k)
		}
	}
	for k := range w.fired {
		if _, ok := live[k]; !ok {
			delete(w.fired, k)
		}
	}
}
