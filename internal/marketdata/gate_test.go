package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_guard/internal/models"
)

type staticSource struct {
	t   models.Ticker
	err error
}

func (s staticSource) FetchTicker(context.Context, string) (models.Ticker, error) { return s.t, s.err }

func ticker(bid, ask string, ts time.Time) models.Ticker {
	return models.Ticker{
		Symbol:    "BTCUSDT",
		Bid:       decimal.RequireFromString(bid),
		Ask:       decimal.RequireFromString(ask),
		Timestamp: ts,
	}
}

func TestFetchFreshTicker(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		age     time.Duration
		wantErr bool
	}{
		{"fresh", 100 * time.Millisecond, false},
		{"just under limit", 2999 * time.Millisecond, false},
		{"exactly at limit", 3000 * time.Millisecond, true},
		{"old", 10 * time.Second, true},
		{"clock skew ahead", -time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(staticSource{t: ticker("100", "100.01", now.Add(-tt.age))}, 3*time.Second, 0.001).WithClock(clock)
			_, err := g.FetchFreshTicker(context.Background(), "BTCUSDT")
			if tt.wantErr {
				var stale *models.StaleDataError
				require.ErrorAs(t, err, &stale)
				assert.Equal(t, tt.age, stale.Age)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFetchFreshTicker_MissingTimestampIsStale(t *testing.T) {
	g := NewGate(staticSource{t: models.Ticker{Symbol: "BTCUSDT"}}, 3*time.Second, 0.001)
	_, err := g.FetchFreshTicker(context.Background(), "BTCUSDT")
	var stale *models.StaleDataError
	require.ErrorAs(t, err, &stale)
}

func TestCheckSpread(t *testing.T) {
	g := NewGate(staticSource{}, 3*time.Second, 0.001)
	now := time.Now()

	assert.NoError(t, g.CheckSpread(ticker("100", "100.05", now)))
	assert.NoError(t, g.CheckSpread(ticker("99.9", "100", now)), "exactly at limit passes")

	var wide *models.SpreadTooWideError
	require.ErrorAs(t, g.CheckSpread(ticker("99.8", "100", now)), &wide)
	assert.InDelta(t, 0.002, wide.Spread, 1e-9)

	require.ErrorAs(t, g.CheckSpread(ticker("0", "100", now)), &wide)
	require.ErrorAs(t, g.CheckSpread(ticker("101", "100", now)), &wide)
}

func TestAdmit(t *testing.T) {
	now := time.Now()
	g := NewGate(staticSource{t: ticker("100", "100.01", now)}, 3*time.Second, 0.001).WithClock(func() time.Time { return now })
	got, err := g.Admit(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.Ask.Equal(decimal.RequireFromString("100.01")))

	g = NewGate(staticSource{t: ticker("90", "100", now)}, 3*time.Second, 0.001).WithClock(func() time.Time { return now })
	_, err = g.Admit(context.Background(), "BTCUSDT")
	var wide *models.SpreadTooWideError
	require.ErrorAs(t, err, &wide)
}
