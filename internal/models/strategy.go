package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side как в раннере: "BUY"/"SELL". Для позиции BUY = long, SELL = short.
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite: сторона закрывающего ордера.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// EntryIntent: решение внешней стратегии войти в позицию.
// StopPrice может быть нулём, тогда стоп считается от STOPLOSS_PERCENT.
type EntryIntent struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Reason     string          `json:"reason"`
	ReceivedAt time.Time       `json:"received_at"`
}
