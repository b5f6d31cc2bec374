package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"trade_guard/internal/instance"
	"trade_guard/internal/modules/binance_client"
	"trade_guard/internal/modules/config"
	"trade_guard/internal/modules/health"
	"trade_guard/internal/modules/postgres"
	"trade_guard/internal/notify"
	"trade_guard/internal/runner"
	"trade_guard/pkg/logger"
	"trade_guard/pkg/tracing"
)

const (
	serviceName  = "trade_guard"
	startTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Printf("config: %v", err)
		return 2
	}
	if cfg.DryCheck {
		fmt.Print(cfg.Dump())
		return 0
	}

	logger.SetServiceName(serviceName)
	tracing.SetServiceName(serviceName)
	zl, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Printf("logger: %v", err)
		return 2
	}
	defer func() { _ = zl.Sync() }()

	lock, err := instance.Acquire(cfg.LockFile)
	if err != nil {
		zl.Error("[MAIN] cannot start", zap.Error(err))
		return 1
	}
	defer func() { _ = lock.Release() }()

	_, closeTracer, err := tracing.InitTracer(tracing.Config{Host: cfg.JaegerHost, Port: cfg.JaegerPort})
	if err != nil {
		zl.Warn("[MAIN] tracer disabled", zap.Error(err))
		closeTracer = func() {}
	}
	defer closeTracer()

	zl.Info("[MAIN] effective config\n" + cfg.Dump())

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: zl.Named("fx")} }),
		fx.Supply(zl),
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(cfg),
		postgres.Module(),
		health.Module(),
		notify.Module(),
		binance_client.Module(),
		runner.Module(),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		zl.Error("[MAIN] start failed", zap.Error(err))
		return 1
	}

	sig := <-app.Wait()
	zl.Info("[MAIN] stopping", zap.Any("signal", sig.Signal), zap.Int("exit_code", sig.ExitCode),
		zap.Duration("stop_timeout", cfg.StopTimeout()))

	// цикл, начатый до сигнала, не прерывается: ждём худший случай его ретраев
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		zl.Error("[MAIN] stop failed", zap.Error(err))
		return 1
	}
	return sig.ExitCode
}
