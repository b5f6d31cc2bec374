package binance_client

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/marketdata"
	"trade_guard/internal/modules/binance_client/service"
	"trade_guard/internal/modules/config"
	health "trade_guard/internal/modules/health/service"
)

func newStream(cfg *config.Config, log *zap.Logger) *marketdata.Stream {
	url := marketdata.StreamURL
	if cfg.Testnet {
		url = marketdata.TestnetStreamURL
	}
	return marketdata.NewStream(url, cfg.Symbols, log)
}

func newClient(cfg *config.Config, stream *marketdata.Stream, log *zap.Logger) *service.Client {
	return service.NewClient(cfg.APIKey, cfg.SecretKey, cfg.Testnet, stream, log)
}

// Module подключает Binance USD-M: bookTicker стрим + REST клиент за exchange.Gateway с таймаутом.
func Module() fx.Option {
	return fx.Module("binance_client",
		fx.Provide(
			newStream,
			newClient,
			func(c *service.Client, cfg *config.Config, log *zap.Logger) exchange.Gateway {
				return exchange.NewSafe(c, cfg.ExchangeTimeout, log)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, s *marketdata.Stream, c *service.Client, st *health.State, log *zap.Logger) {
			runCtx, cancel := context.WithCancel(context.Background())
			var wg sync.WaitGroup
			s.OnConnState(st.SetWSConnected)

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					// битые ключи или недоступный API - не стартуем
					if err := c.Ping(ctx); err != nil {
						cancel()
						return err
					}
					log.Info("[BINANCE] REST reachable, starting stream", zap.Strings("symbols", s.Symbols()))
					wg.Add(1)
					go func() {
						defer wg.Done()
						s.Run(runCtx)
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					cancel()
					wg.Wait()
					return nil
				},
			})
		}),
	)
}
