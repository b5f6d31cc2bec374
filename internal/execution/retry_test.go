package execution

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Attempts: 5, Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(40))
}

func TestBackoff_Do(t *testing.T) {
	b := Backoff{Attempts: 5}

	calls := 0
	n, err := b.Do(context.Background(), func(int) error {
		calls++
		return transient()
	})
	assert.Error(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, calls)

	calls = 0
	n, err = b.Do(context.Background(), func(int) error {
		calls++
		return errors.New("rejected")
	})
	assert.EqualError(t, err, "rejected")
	assert.Equal(t, 1, n)

	calls = 0
	n, err = b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return transient()
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBackoff_CancelledContextStopsWaiting(t *testing.T) {
	b := Backoff{Attempts: 5, Base: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := b.Do(ctx, func(int) error { return transient() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}
