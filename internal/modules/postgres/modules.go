package postgres

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"trade_guard/internal/modules/config"
	"trade_guard/pkg/db"
)

// Module отдаёт *db.PgTxManager. Без DATABASE_DSN отдаётся nil и журнал уходит в файл.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(lc fx.Lifecycle, ctx context.Context, cfg *config.Config, log *zap.Logger) (*db.PgTxManager, error) {
				if cfg.DatabaseDSN == "" {
					log.Info("[PG] DATABASE_DSN not set, postgres disabled")
					return nil, nil
				}
				// журналу хватает пары соединений
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN:            cfg.DatabaseDSN,
					MaxConns:       4,
					ConnectTimeout: cfg.ExchangeTimeout,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				if err = poolMaster.Ping(ctx); err != nil {
					poolMaster.Close()
					return nil, err
				}

				tm := db.NewPgTxManager(poolMaster)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						tm.Close()
						return nil
					},
				})
				return tm, nil
			},
		),
	)
}
