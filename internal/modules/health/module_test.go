package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade_guard/internal/models"
	"trade_guard/internal/modules/health/service"
)

type sink struct {
	got []models.EntryIntent
	err error
}

func (s *sink) Push(in models.EntryIntent) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.got = append(s.got, in)
	return false, nil
}

func do(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestReadyAfterFirstCycle(t *testing.T) {
	st := service.NewState()
	mux := NewMux(Config{}, st, &sink{}, zap.NewNop())

	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/livez", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(mux, http.MethodGet, "/readyz", "").Code)

	st.TouchCycle(time.Now())
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/readyz", "").Code)
}

func TestHealthz_ReportsHaltAndProtection(t *testing.T) {
	st := service.NewState()
	st.SetWSConnected(true)
	st.SetHalted(true, "drawdown")
	st.SetProtection(1, 2)
	mux := NewMux(Config{}, st, &sink{}, zap.NewNop())

	rr := do(mux, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, sonic.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["wsConnected"])
	assert.Equal(t, true, resp["halted"])
	assert.Equal(t, "drawdown", resp["haltReason"])
	assert.EqualValues(t, 1, resp["naked"])
	assert.EqualValues(t, 2, resp["unresolved"])
}

func TestIntents(t *testing.T) {
	s := &sink{}
	mux := NewMux(Config{}, service.NewState(), s, zap.NewNop())

	rr := do(mux, http.MethodPost, "/v1/intents", `{"symbol":"BTCUSDT","side":"BUY","stop_price":"49000","reason":"breakout"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, s.got, 1)
	assert.Equal(t, "BTCUSDT", s.got[0].Symbol)
	assert.Equal(t, models.SideBuy, s.got[0].Side)
	assert.Equal(t, "49000", s.got[0].StopPrice.String())
	assert.False(t, s.got[0].ReceivedAt.IsZero())

	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, "/v1/intents", `{"symbol":`).Code)

	s.err = errors.New("bad side")
	assert.Equal(t, http.StatusUnprocessableEntity,
		do(mux, http.MethodPost, "/v1/intents", `{"symbol":"BTCUSDT","side":"LONG"}`).Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(mux, http.MethodGet, "/v1/intents", "").Code)
}

func TestMetricsExposed(t *testing.T) {
	mux := NewMux(Config{}, service.NewState(), &sink{}, zap.NewNop())
	rr := do(mux, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestIntents_RequireToken(t *testing.T) {
	s := &sink{}
	mux := NewMux(Config{IntentToken: "s3cret"}, service.NewState(), s, zap.NewNop())
	body := `{"symbol":"BTCUSDT","side":"BUY","stop_price":"49000"}`

	rr := do(mux, http.MethodPost, "/v1/intents", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(body))
	req.Header.Set(intentTokenHeader, "wrong")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, s.got)

	req = httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(body))
	req.Header.Set(intentTokenHeader, "s3cret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Len(t, s.got, 1)
}
