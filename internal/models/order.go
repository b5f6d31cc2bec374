package models

import (
	"github.com/shopspring/decimal"
)

// OrderKind: тег варианта ордера, поведение у всех одно, различается только payload.
type OrderKind string

const (
	KindMarket     OrderKind = "MARKET"
	KindStop       OrderKind = "STOP_MARKET"
	KindTakeProfit OrderKind = "TAKE_PROFIT_MARKET"
)

// OrderRequest: {kind, parameters}. TriggerPrice используется только для Stop/TakeProfit.
type OrderRequest struct {
	Kind         OrderKind
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal
	ReduceOnly   bool
	Token        string
}

func MarketOrder(symbol string, side Side, qty decimal.Decimal, token string) OrderRequest {
	return OrderRequest{Kind: KindMarket, Symbol: symbol, Side: side, Quantity: qty, Token: token}
}

// CloseOrder: reduce-only маркет, не может перевернуть позицию.
func CloseOrder(symbol string, side Side, qty decimal.Decimal, token string) OrderRequest {
	r := MarketOrder(symbol, side, qty, token)
	r.ReduceOnly = true
	return r
}

func StopOrder(symbol string, side Side, qty, trigger decimal.Decimal, token string) OrderRequest {
	return OrderRequest{
		Kind:         KindStop,
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		TriggerPrice: trigger,
		ReduceOnly:   true,
		Token:        token,
	}
}

func TakeProfitOrder(symbol string, side Side, qty, trigger decimal.Decimal, token string) OrderRequest {
	r := StopOrder(symbol, side, qty, trigger, token)
	r.Kind = KindTakeProfit
	return r
}

// OrderAck: то, что биржа знает об ордере после create/fetch.
type OrderAck struct {
	ID          string
	ClientID    string
	Symbol      string
	Kind        OrderKind
	Side        Side
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}
