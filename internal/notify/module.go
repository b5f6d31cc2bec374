package notify

import (
	"context"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trade_guard/internal/modules/config"
)

// telegramEndpoint: переопределяется в тестах.
var telegramEndpoint = tgbot.APIEndpoint

// NewFromConfig: лог всегда, Telegram если задан токен и бот отвечает.
// Второе значение nil, когда Telegram выключен или недоступен: без уведомлений
// контроллер всё равно стартует и сверяет позиции.
func NewFromConfig(cfg *config.Config, log *zap.Logger) (Notifier, *Telegram, error) {
	out := Fanout{NewLog(log)}
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		log.Info("[NOTIFY] telegram disabled")
		return out, nil, nil
	}
	tg, err := NewTelegram(telegramEndpoint, cfg.TelegramToken, cfg.TelegramChatID, log)
	if err != nil {
		log.Error("[NOTIFY] telegram unavailable, log only", zap.Error(err))
		return out, nil, nil
	}
	return append(out, tg), tg, nil
}

func Module() fx.Option {
	return fx.Module("notify",
		fx.Provide(NewFromConfig),
		fx.Invoke(func(lc fx.Lifecycle, tg *Telegram) {
			if tg == nil {
				return
			}
			runCtx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					return tg.Start(runCtx)
				},
				OnStop: func(context.Context) error {
					cancel()
					tg.Wait()
					return nil
				},
			})
		}),
	)
}
