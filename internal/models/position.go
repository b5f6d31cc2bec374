package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position: зеркало позиции на бирже, только чтение.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	OpenedAt   time.Time
}

func (p Position) Key() PosKey { return PosKey{Symbol: p.Symbol, Side: p.Side} }

type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
	OrderRejected OrderStatus = "rejected"
	OrderUnknown  OrderStatus = "unknown"
)

// Dead: ордер уже не может защищать позицию.
func (s OrderStatus) Dead() bool {
	return s == OrderCanceled || s == OrderRejected
}

// ProtectiveOrder: открытый условный ордер на бирже (стоп или тейк).
type ProtectiveOrder struct {
	ID           string
	Symbol       string
	Kind         OrderKind
	Side         Side
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
	Status       OrderStatus
	// ClosePosition: ордер закрывает всю позицию независимо от Quantity.
	ClosePosition bool
}

// Balance: Available - под новый вход, Wallet - для просадки от пика.
type Balance struct {
	Available decimal.Decimal
	Wallet    decimal.Decimal
}

// Instrument: торговые правила символа.
type Instrument struct {
	Symbol   string
	StepSize decimal.Decimal
	TickSize decimal.Decimal
	MinQty   decimal.Decimal
}

type Candle struct {
	OpenTime time.Time
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}
