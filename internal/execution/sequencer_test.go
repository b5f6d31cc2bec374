package execution

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade_guard/internal/exchange/exchangetest"
	"trade_guard/internal/marketdata"
	"trade_guard/internal/models"
	"trade_guard/internal/notify"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func transient() error {
	return &models.TransientExchangeError{Op: "PlaceOrder", Err: errors.New("connection reset")}
}

type fixture struct {
	rec *exchangetest.Recorder
	ntf *notify.Recorder
	seq *Sequencer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := exchangetest.New()
	rec.Tickers["BTCUSDT"] = models.Ticker{Symbol: "BTCUSDT", Bid: d("99.99"), Ask: d("100"), Timestamp: now.Add(-100 * time.Millisecond)}
	rec.Instruments["BTCUSDT"] = models.Instrument{Symbol: "BTCUSDT", StepSize: d("0.001"), TickSize: d("0.01"), MinQty: d("0.001")}

	gate := marketdata.NewGate(rec, 3*time.Second, 0.001).WithClock(func() time.Time { return now })
	ntf := &notify.Recorder{}
	cfg := Config{
		RiskFraction:       d("0.01"),
		MinNotional:        d("6"),
		MaxPositionPct:     d("100"),
		StopLossPct:        d("2"),
		Retry:              Backoff{Attempts: 5},
		TakeProfitAttempts: 3,
		CloseAttempts:      5,
	}
	return &fixture{rec: rec, ntf: ntf, seq: New(rec, gate, ntf, cfg, zap.NewNop())}
}

// balance 10000, risk 1%, stop distance 10 => qty 10
func longIntent() Request {
	return Request{
		Intent:  models.EntryIntent{Symbol: "BTCUSDT", Side: models.SideBuy, StopPrice: d("90")},
		Balance: d("10000"),
		Params:  models.RiskParameters{Leverage: 10, MarginMode: models.MarginIsolated},
	}
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture(t)

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []State{
		StateIdle, StateGatePassed, StateEntrySubmitted, StateEntryVerified,
		StateProtectionSubmitted, StateProtectionVerified, StateComplete,
	}, res.Trail)

	stops := f.rec.Placed(models.KindStop)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].Quantity.Equal(d("10")))
	assert.True(t, stops[0].TriggerPrice.Equal(d("90")))
	assert.Equal(t, models.SideSell, stops[0].Side)
	assert.True(t, stops[0].ReduceOnly)
	assert.Equal(t, 1, f.rec.Count("SetLeverage"))
	assert.Equal(t, 1, f.rec.Count("SetMarginMode"))
	assert.Zero(t, f.ntf.Count(models.SeverityFatal))
	assert.False(t, f.seq.Busy("BTCUSDT"))
}

func TestExecute_StaleTickerMakesNoOrderCalls(t *testing.T) {
	f := newFixture(t)
	tk := f.rec.Tickers["BTCUSDT"]
	tk.Timestamp = now.Add(-3 * time.Second)
	f.rec.Tickers["BTCUSDT"] = tk

	res, err := f.seq.Execute(context.Background(), longIntent())
	var stale *models.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, f.rec.Mutations())
}

func TestExecute_WideSpreadMakesNoOrderCalls(t *testing.T) {
	f := newFixture(t)
	f.rec.Tickers["BTCUSDT"] = models.Ticker{Symbol: "BTCUSDT", Bid: d("99.5"), Ask: d("100"), Timestamp: now}

	_, err := f.seq.Execute(context.Background(), longIntent())
	var wide *models.SpreadTooWideError
	require.ErrorAs(t, err, &wide)
	assert.Zero(t, f.rec.Mutations())
}

func TestExecute_ZeroFillIsNoop(t *testing.T) {
	f := newFixture(t)
	f.rec.Fills = []decimal.Decimal{decimal.Zero}

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Empty(t, f.rec.Placed(models.KindStop))
	assert.Len(t, f.rec.Placed(models.KindMarket), 1)
}

func TestExecute_PartialFillProtectsExecutedQuantity(t *testing.T) {
	f := newFixture(t)
	f.rec.Fills = []decimal.Decimal{d("7")}

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.NoError(t, err)
	assert.True(t, res.Requested.Equal(d("10")))
	assert.True(t, res.Executed.Equal(d("7")))

	stops := f.rec.Placed(models.KindStop)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].Quantity.Equal(d("7")), "stop sized %s", stops[0].Quantity)
}

func TestExecute_ProtectionRetriesExhaustedClosesOnce(t *testing.T) {
	f := newFixture(t)
	f.rec.Fills = []decimal.Decimal{d("7")}
	f.rec.Failures[models.KindStop] = []error{transient(), transient(), transient(), transient(), transient()}

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.Error(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Contains(t, res.Trail, StatePartialFailure)
	assert.Contains(t, res.Trail, StateEmergencyClose)

	assert.Len(t, f.rec.Placed(models.KindStop), 5)

	var closes []models.OrderRequest
	for _, r := range f.rec.Placed(models.KindMarket) {
		if r.ReduceOnly {
			closes = append(closes, r)
		}
	}
	require.Len(t, closes, 1)
	assert.True(t, closes[0].Quantity.Equal(d("7")))
	assert.Equal(t, models.SideSell, closes[0].Side)
	assert.Equal(t, 1, f.ntf.Count(models.SeverityFatal))
	assert.Empty(t, f.rec.Positions, "position must be flat after fail-safe close")
}

func TestExecute_RejectedStopClosesImmediately(t *testing.T) {
	f := newFixture(t)
	f.rec.Failures[models.KindStop] = []error{&models.RejectedOrderError{Op: "PlaceOrder", Code: -2021, Err: errors.New("would trigger")}}

	_, err := f.seq.Execute(context.Background(), longIntent())
	require.Error(t, err)
	assert.Len(t, f.rec.Placed(models.KindStop), 1, "rejections are not retried")
	assert.Equal(t, 1, f.ntf.Count(models.SeverityFatal))
}

func TestExecute_StopCanceledOnVerifyTriggersFailSafe(t *testing.T) {
	f := newFixture(t)
	f.rec.VerifyStatus = models.OrderRejected

	res, err := f.seq.Execute(context.Background(), longIntent())
	var unprotected *models.UnprotectedPositionError
	require.ErrorAs(t, err, &unprotected)
	assert.Contains(t, res.Trail, StateEmergencyClose)
	assert.Equal(t, 1, f.ntf.Count(models.SeverityFatal))
}

func TestExecute_FatalDuringProtectionPropagates(t *testing.T) {
	f := newFixture(t)
	f.rec.Failures[models.KindStop] = []error{&models.FatalExchangeError{Op: "PlaceOrder", Err: errors.New("invalid api key")}}

	_, err := f.seq.Execute(context.Background(), longIntent())
	assert.True(t, models.IsFatal(err))
	assert.Equal(t, 1, f.ntf.Count(models.SeverityFatal))
}

func TestExecute_EntryRetriesReuseToken(t *testing.T) {
	f := newFixture(t)
	f.rec.Failures[models.KindMarket] = []error{transient(), transient()}

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.NoError(t, err)

	entries := f.rec.Placed(models.KindMarket)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, res.Token, e.Token)
	}
}

func TestExecute_EntryExhaustedAbortsWithoutProtection(t *testing.T) {
	f := newFixture(t)
	f.rec.Failures[models.KindMarket] = []error{transient(), transient(), transient(), transient(), transient()}

	res, err := f.seq.Execute(context.Background(), longIntent())
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, f.rec.Placed(models.KindStop))
	assert.Equal(t, 1, f.ntf.Count(models.SeverityCritical))
}

func TestExecute_NonTradableQuantityIsSkipped(t *testing.T) {
	f := newFixture(t)
	req := longIntent()
	req.Balance = d("5") // 5*0.01/10 = 0.005 BTC * 100 = 0.5 USDT < 6

	res, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, StateIdle, res.State)
	assert.Zero(t, f.rec.Mutations())
}

func TestExecute_DerivedStopAndTakeProfit(t *testing.T) {
	f := newFixture(t)
	req := longIntent()
	req.Intent.StopPrice = decimal.Zero
	req.Intent.TakeProfit = d("110")

	res, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.StopPrice.Equal(d("98")), res.StopPrice.String())
	assert.NotEmpty(t, res.TakeProfitID)

	tps := f.rec.Placed(models.KindTakeProfit)
	require.Len(t, tps, 1)
	assert.True(t, tps[0].Quantity.Equal(res.Executed))
}

func TestExecute_TakeProfitFailureIsNotCritical(t *testing.T) {
	f := newFixture(t)
	f.rec.Failures[models.KindTakeProfit] = []error{transient(), transient(), transient()}
	req := longIntent()
	req.Intent.TakeProfit = d("120")

	res, err := f.seq.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Len(t, f.rec.Placed(models.KindTakeProfit), 3)
	assert.Equal(t, 1, f.ntf.Count(models.SeverityWarning))
	assert.Zero(t, f.ntf.Count(models.SeverityFatal))
}

func TestExecute_StopOnWrongSideAborts(t *testing.T) {
	f := newFixture(t)
	req := longIntent()
	req.Intent.StopPrice = d("105")

	res, err := f.seq.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, f.rec.Mutations())
}

func TestExecute_RejectsSecondSequenceForSymbol(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.seq.acquire("BTCUSDT"))
	defer f.seq.release("BTCUSDT")

	res, err := f.seq.Execute(context.Background(), longIntent())
	assert.ErrorIs(t, err, models.ErrSequenceInFlight)
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, f.rec.Mutations())
}

func TestClose_RetriesTransient(t *testing.T) {
	f := newFixture(t)
	f.rec.SetPositions(models.Position{Symbol: "BTCUSDT", Side: models.SideSell, Quantity: d("2")})
	f.rec.Failures[models.KindMarket] = []error{transient()}

	err := f.seq.Close(context.Background(), "BTCUSDT", models.SideSell, d("2"), "test")
	require.NoError(t, err)

	closes := f.rec.Placed(models.KindMarket)
	require.Len(t, closes, 2)
	assert.Equal(t, models.SideBuy, closes[1].Side)
	assert.True(t, closes[1].ReduceOnly)
	assert.Equal(t, closes[0].Token, closes[1].Token)
}

func TestNewToken(t *testing.T) {
	a, b := NewToken(), NewToken()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "GRD_"))
	assert.Len(t, a, 32)
}
