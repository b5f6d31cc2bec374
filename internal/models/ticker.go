package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

func (t Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// EntryPrice: худшая цена для маркет-входа на стороне side.
func (t Ticker) EntryPrice(side Side) decimal.Decimal {
	if side == SideSell {
		return t.Bid
	}
	return t.Ask
}
