package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

const quoteAsset = "USDT"

func (c *Client) FetchBalance(ctx context.Context) (models.Balance, error) {
	res, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return models.Balance{}, classify("FetchBalance", err)
	}
	for _, b := range res {
		if b.Asset != quoteAsset {
			continue
		}
		avail, err := decimal.NewFromString(b.AvailableBalance)
		if err != nil {
			return models.Balance{}, errors.Wrapf(err, "FetchBalance: parse available %q", b.AvailableBalance)
		}
		wallet, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return models.Balance{}, errors.Wrapf(err, "FetchBalance: parse balance %q", b.Balance)
		}
		return models.Balance{Available: avail, Wallet: wallet}, nil
	}
	return models.Balance{}, errors.Errorf("FetchBalance: no %s balance", quoteAsset)
}

func (c *Client) FetchPositions(ctx context.Context) ([]models.Position, error) {
	res, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("FetchPositions", err)
	}

	out := make([]models.Position, 0, len(res))
	for _, p := range res {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		side := models.SideBuy
		if amt.IsNegative() {
			side = models.SideSell
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		lev, _ := strconv.Atoi(p.Leverage)

		out = append(out, models.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
			Leverage:   lev,
		})
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return classify("SetLeverage", err)
	}
	return nil
}

func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode models.MarginMode) error {
	mt := futures.MarginTypeIsolated
	if mode == models.MarginCross {
		mt = futures.MarginTypeCrossed
	}
	err := c.api.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err == nil {
		return nil
	}
	// -4046: "No need to change margin type"
	if apiCode(err) == -4046 || strings.Contains(strings.ToLower(err.Error()), "no need to change") {
		return nil
	}
	c.log.Warn("[BINANCE] margin mode not changed", zap.String("symbol", symbol), zap.String("mode", string(mode)), zap.Error(err))
	return classify("SetMarginMode", err)
}
