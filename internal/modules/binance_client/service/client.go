package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trade_guard/internal/marketdata"
	"trade_guard/internal/models"
)

// Client: exchange.Gateway поверх Binance USD-M futures (one-way mode).
// Тикеры берутся из websocket-кэша, всё остальное - REST.
type Client struct {
	api   *futures.Client
	ticks marketdata.TickerSource
	log   *zap.Logger

	mu          sync.Mutex
	instruments map[string]models.Instrument
	// токены, которые уже уходили на биржу: перед повтором ищем ордер по clientOrderId
	sent map[string]struct{}
}

func NewClient(apiKey, secret string, testnet bool, ticks marketdata.TickerSource, log *zap.Logger) *Client {
	futures.UseTestnet = testnet
	api := futures.NewClient(apiKey, secret)
	api.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	return &Client{
		api:         api,
		ticks:       ticks,
		log:         log,
		instruments: make(map[string]models.Instrument),
		sent:        make(map[string]struct{}),
	}
}

// Ping проверяет связь и ключи на старте.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return classify("Ping", err)
	}
	if _, err := c.api.NewGetBalanceService().Do(ctx); err != nil {
		return classify("Ping", err)
	}
	return nil
}

// Коды Binance, после которых повтор имеет смысл.
var transientCodes = map[int64]struct{}{
	-1000: {}, // unknown error
	-1001: {}, // disconnected
	-1003: {}, // too many requests
	-1006: {}, // unexpected response
	-1007: {}, // timeout
	-1008: {}, // server busy
	-1015: {}, // too many orders
	-1021: {}, // timestamp outside recvWindow
}

// Ключи, подпись, права - торговать дальше нельзя.
var fatalCodes = map[int64]struct{}{
	-1002: {}, // unauthorized
	-1022: {}, // invalid signature
	-2014: {}, // bad api key format
	-2015: {}, // invalid key, ip or permissions
	-4087: {}, // reduce-only only (account restricted)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientCodes[apiErr.Code]; ok {
			return &models.TransientExchangeError{Op: op, Err: apiErr}
		}
		if _, ok := fatalCodes[apiErr.Code]; ok {
			return &models.FatalExchangeError{Op: op, Err: apiErr}
		}
		return &models.RejectedOrderError{Op: op, Code: apiErr.Code, Err: apiErr}
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &models.TransientExchangeError{Op: op, Err: err}
	}
	// непонятный ответ (html 5xx и т.п.) считаем временным: ретраи ограничены
	return &models.TransientExchangeError{Op: op, Err: err}
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
