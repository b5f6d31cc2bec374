package config

import "go.uber.org/fx"

// Module кладёт уже загруженный конфиг в граф: main читает его раньше fx,
// чтобы до старта взять lock и поднять логгер.
func Module(cfg *Config) fx.Option {
	return fx.Module("config",
		fx.Supply(cfg),
	)
}
