package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trade_guard/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTakeProfitWatch_ClosesOnceAfterTimeout(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w := NewTakeProfitWatch().WithClock(c.now)
	key := models.PosKey{Symbol: "BTCUSDT", Side: models.SideBuy}
	trigger := d("110")
	timeout := 300 * time.Second

	closes := 0
	for i := 0; i < 20; i++ {
		if w.Observe(key, d("110"), trigger, timeout) {
			closes++
		}
		c.advance(30 * time.Second)
	}
	assert.Equal(t, 1, closes)
	assert.False(t, w.Armed(key))
}

func TestTakeProfitWatch_RetreatResetsTimer(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w := NewTakeProfitWatch().WithClock(c.now)
	key := models.PosKey{Symbol: "BTCUSDT", Side: models.SideBuy}
	trigger := d("110")
	timeout := 300 * time.Second

	assert.False(t, w.Observe(key, d("110.5"), trigger, timeout))
	assert.True(t, w.Armed(key))
	c.advance(250 * time.Second)

	assert.False(t, w.Observe(key, d("109.9"), trigger, timeout))
	assert.False(t, w.Armed(key))
	c.advance(100 * time.Second)

	// таймер пошёл заново: 250с с нового касания не хватает
	assert.False(t, w.Observe(key, d("110"), trigger, timeout))
	c.advance(250 * time.Second)
	assert.False(t, w.Observe(key, d("110"), trigger, timeout))
	c.advance(50 * time.Second)
	// ровно таймаут ещё не превышение
	assert.False(t, w.Observe(key, d("110"), trigger, timeout))
	c.advance(time.Second)
	assert.True(t, w.Observe(key, d("110"), trigger, timeout))
}

func TestTakeProfitWatch_ShortSide(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w := NewTakeProfitWatch().WithClock(c.now)
	key := models.PosKey{Symbol: "ETHUSDT", Side: models.SideSell}
	trigger := d("90")

	assert.False(t, w.Observe(key, d("91"), trigger, time.Minute))
	assert.False(t, w.Armed(key))
	assert.False(t, w.Observe(key, d("89"), trigger, time.Minute))
	c.advance(time.Minute + time.Second)
	assert.True(t, w.Observe(key, d("90"), trigger, time.Minute))
}

func TestTakeProfitWatch_ForgetAndPrune(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w := NewTakeProfitWatch().WithClock(c.now)
	key := models.PosKey{Symbol: "BTCUSDT", Side: models.SideBuy}

	w.Observe(key, d("120"), d("110"), time.Second)
	c.advance(2 * time.Second)
	assert.True(t, w.Observe(key, d("120"), d("110"), time.Second))
	assert.False(t, w.Observe(key, d("120"), d("110"), time.Second))

	w.Forget(key)
	assert.False(t, w.Observe(key, d("120"), d("110"), time.Second))
	assert.True(t, w.Armed(key))

	w.Prune(map[models.PosKey]struct{}{})
	assert.False(t, w.Armed(key))
}

func TestTakeProfitWatch_ResetKeepsFired(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	w := NewTakeProfitWatch().WithClock(c.now)
	key := models.PosKey{Symbol: "BTCUSDT", Side: models.SideBuy}

	w.Observe(key, d("110"), d("110"), time.Minute)
	c.advance(50 * time.Second)
	w.Reset(key)
	assert.False(t, w.Armed(key))

	// после сброса отсчёт начинается с нового наблюдения
	c.advance(30 * time.Second)
	assert.False(t, w.Observe(key, d("110"), d("110"), time.Minute))
	c.advance(61 * time.Second)
	assert.True(t, w.Observe(key, d("110"), d("110"), time.Minute))

	// сброс не отменяет уже выданный сигнал
	w.Reset(key)
	c.advance(2 * time.Minute)
	assert.False(t, w.Observe(key, d("110"), d("110"), time.Minute))
}

func TestTakeProfitWatch_IgnoresMissingPrice(t *testing.T) {
	w := NewTakeProfitWatch()
	key := models.PosKey{Symbol: "BTCUSDT", Side: models.SideBuy}
	assert.False(t, w.Observe(key, d("0"), d("110"), 0))
	assert.False(t, w.Armed(key))
}
