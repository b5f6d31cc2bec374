// panic: аварийный выключатель. Останавливает контроллер, снимает все ордера,
// закрывает все позиции и удаляет lock-файл.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade_guard/internal/exchange"
	"trade_guard/internal/execution"
	"trade_guard/internal/flatten"
	"trade_guard/internal/instance"
	"trade_guard/internal/marketdata"
	"trade_guard/internal/modules/binance_client/service"
	"trade_guard/internal/modules/config"
	"trade_guard/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	yes := flag.Bool("yes", false, "skip confirmation")
	grace := flag.Duration("grace", 5*time.Second, "wait for the controller to exit before SIGKILL")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Printf("config: %v", err)
		return 2
	}
	logger.SetServiceName("trade_guard_panic")
	zl, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Printf("logger: %v", err)
		return 2
	}
	defer func() { _ = zl.Sync() }()

	fmt.Println("PANIC: stop the controller, cancel ALL conditional orders, close ALL positions at market.")
	if !*yes && !confirm() {
		fmt.Println("aborted")
		return 0
	}

	// контроллер гасим первым, чтобы он не восстановил стопы
	pid, err := instance.Terminate(cfg.LockFile, *grace)
	switch {
	case err != nil:
		zl.Error("[PANIC] cannot stop controller", zap.Int("pid", pid), zap.Error(err))
	case pid == 0:
		zl.Warn("[PANIC] no running controller found", zap.String("lock", cfg.LockFile))
	default:
		zl.Info("[PANIC] controller stopped", zap.Int("pid", pid))
	}

	stream := marketdata.NewStream(marketdata.StreamURL, nil, zl)
	client := service.NewClient(cfg.APIKey, cfg.SecretKey, cfg.Testnet, stream, zl)
	gw := exchange.NewSafe(client, cfg.ExchangeTimeout, zl)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rep := flatten.New(gw, execution.Backoff{
		Attempts: cfg.RetryCount,
		Base:     cfg.RetryBaseDelay,
		Max:      cfg.RetryMaxDelay,
	}, zl).Run(ctx)

	if err := instance.Remove(cfg.LockFile); err != nil {
		zl.Error("[PANIC] cannot remove lock file", zap.Error(err))
	}

	zl.Info("[PANIC] done",
		zap.Int("canceled", rep.Canceled),
		zap.Int("closed", rep.Closed),
		zap.Int("left", len(rep.Left)),
		zap.Errors("errors", rep.Errors))
	if !rep.Flat() {
		for _, p := range rep.Left {
			fmt.Printf("STILL OPEN: %s %s %s\n", p.Symbol, p.Side, p.Quantity)
		}
		return 1
	}
	fmt.Println("account is flat")
	return 0
}

func confirm() bool {
	fmt.Print("Type 'yes' to proceed: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
