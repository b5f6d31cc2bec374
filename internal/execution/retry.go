package execution

import (
	"context"
	"time"

	"trade_guard/internal/models"
)

// Backoff задаёт явный счётчик попыток, delay = min(base*2^attempt, max).
// Повторяются только TransientExchangeError.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Do вызывает fn до Attempts раз. Возвращает число сделанных попыток и последнюю ошибку.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil || !models.IsTransient(err) {
			return attempt + 1, err
		}
		if attempt == attempts-1 {
			break
		}
		if !sleep(ctx, b.Delay(attempt)) {
			return attempt + 1, ctx.Err()
		}
	}
	return attempts, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
