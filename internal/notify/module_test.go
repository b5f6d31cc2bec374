package notify

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade_guard/internal/models"
	"trade_guard/internal/modules/config"
)

func withTelegramAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := telegramEndpoint
	telegramEndpoint = srv.URL + "/bot%s/%s"
	t.Cleanup(func() { telegramEndpoint = prev })
}

func TestNewFromConfig_TelegramDisabled(t *testing.T) {
	n, tg, err := NewFromConfig(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, tg)
	assert.NotPanics(t, func() { n.Send("t", "m", models.SeverityInfo) })
}

func TestNewFromConfig_BadTokenFallsBackToLog(t *testing.T) {
	withTelegramAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})

	n, tg, err := NewFromConfig(&config.Config{TelegramToken: "revoked", TelegramChatID: 42}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, tg)
	require.NotNil(t, n)
	assert.NotPanics(t, func() { n.Send("t", "m", models.SeverityCritical) })
}

func TestNewFromConfig_UnreachableFallsBackToLog(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	prev := telegramEndpoint
	telegramEndpoint = url + "/bot%s/%s"
	t.Cleanup(func() { telegramEndpoint = prev })

	_, tg, err := NewFromConfig(&config.Config{TelegramToken: "token", TelegramChatID: 42}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, tg)
}

func TestNewFromConfig_TelegramEnabled(t *testing.T) {
	withTelegramAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"guard","username":"guard_bot"}}`))
	})

	n, tg, err := NewFromConfig(&config.Config{TelegramToken: "token", TelegramChatID: 42}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tg)
	assert.Len(t, n, 2)
}
