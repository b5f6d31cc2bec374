package notify

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

type panicking struct{}

func (panicking) Send(string, string, models.Severity) { panic("boom") }

func TestFanout_SurvivesPanickingNotifier(t *testing.T) {
	rec := &Recorder{}
	f := Fanout{panicking{}, NewLog(zap.NewNop()), rec}

	assert.NotPanics(t, func() { f.Send("t", "m", models.SeverityFatal) })
	assert.Equal(t, 1, rec.Count(models.SeverityFatal))
}

func TestPayload(t *testing.T) {
	p := Payload("symbol", "BTCUSDT", "err", errors.New("boom"), "qty", 3)
	assert.JSONEq(t, `{"symbol":"BTCUSDT","err":"boom","qty":3}`, p)
}

func TestFormat(t *testing.T) {
	s := format(message{title: "Naked position", body: "{}", severity: models.SeverityCritical})
	assert.Contains(t, s, "Naked position")
	assert.Contains(t, s, "CRITICAL")
}

func TestTelegram_NilSafe(t *testing.T) {
	var tg *Telegram
	assert.NotPanics(t, func() { tg.Send("x", "y", models.SeverityInfo) })
}
