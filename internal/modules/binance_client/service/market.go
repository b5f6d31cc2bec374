package service

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	return c.ticks.FetchTicker(ctx, symbol)
}

// FetchInstrument: step/tick из exchangeInfo, кэшируется на весь процесс.
func (c *Client) FetchInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	inst, ok := c.instruments[symbol]
	c.mu.Unlock()
	if ok {
		return inst, nil
	}

	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.Instrument{}, classify("FetchInstrument", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		lot := s.LotSizeFilter()
		price := s.PriceFilter()
		if lot == nil || price == nil {
			continue
		}
		step, err1 := decimal.NewFromString(lot.StepSize)
		minQty, err2 := decimal.NewFromString(lot.MinQuantity)
		tick, err3 := decimal.NewFromString(price.TickSize)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		c.instruments[s.Symbol] = models.Instrument{
			Symbol:   s.Symbol,
			StepSize: step,
			TickSize: tick,
			MinQty:   minQty,
		}
	}

	inst, ok = c.instruments[symbol]
	if !ok {
		return models.Instrument{}, errors.Errorf("FetchInstrument: %s not found", symbol)
	}
	return inst, nil
}

func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	res, err := c.api.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("FetchCandles", err)
	}
	out := make([]models.Candle, 0, len(res))
	for _, k := range res {
		high, err1 := decimal.NewFromString(k.High)
		low, err2 := decimal.NewFromString(k.Low)
		cl, err3 := decimal.NewFromString(k.Close)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, models.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			High:     high,
			Low:      low,
			Close:    cl,
		})
	}
	return out, nil
}
