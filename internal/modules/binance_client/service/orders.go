package service

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

// PlaceOrder: единая точка для всех видов ордеров, различается только payload.
// Если токен уже уходил на биржу, сначала ищем ордер по clientOrderId: повтор после
// сетевой ошибки не должен исполниться второй раз.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if !req.Quantity.IsPositive() {
		return models.OrderAck{}, errors.Errorf("PlaceOrder: quantity %s <= 0", req.Quantity)
	}
	if !req.Side.Valid() {
		return models.OrderAck{}, errors.Errorf("PlaceOrder: bad side %q", req.Side)
	}

	if req.Token != "" && c.wasSent(req.Token) {
		if ack, err := c.fetchByClientID(ctx, req.Symbol, req.Token); err == nil {
			c.log.Info("[BINANCE] order already on exchange, reuse",
				zap.String("symbol", req.Symbol), zap.String("token", req.Token), zap.String("id", ack.ID))
			return ack, nil
		}
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Kind)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.Token != "" {
		svc = svc.NewClientOrderID(req.Token)
		c.markSent(req.Token)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch req.Kind {
	case models.KindMarket:
	case models.KindStop, models.KindTakeProfit:
		if !req.TriggerPrice.IsPositive() {
			return models.OrderAck{}, errors.Errorf("PlaceOrder: %s trigger %s <= 0", req.Kind, req.TriggerPrice)
		}
		svc = svc.StopPrice(req.TriggerPrice.String()).WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return models.OrderAck{}, errors.Errorf("PlaceOrder: unsupported kind %q", req.Kind)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return models.OrderAck{}, classify("PlaceOrder", err)
	}

	return models.OrderAck{
		ID:          formatID(res.OrderID),
		ClientID:    res.ClientOrderID,
		Symbol:      res.Symbol,
		Kind:        req.Kind,
		Side:        req.Side,
		Status:      mapStatus(string(res.Status)),
		ExecutedQty: parseDec(res.ExecutedQuantity),
		AvgPrice:    parseDec(res.AvgPrice),
	}, nil
}

// CancelOrder: "Unknown order" (-2011) - ордер уже снят, это успех.
func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "CancelOrder: bad id %q", id)
	}
	_, err = c.api.NewCancelOrderService().Symbol(symbol).OrderID(oid).Do(ctx)
	if err != nil {
		if apiCode(err) == -2011 {
			return nil
		}
		return classify("CancelOrder", err)
	}
	return nil
}

// FetchOrder принимает биржевой id, а если он не число - clientOrderId.
func (c *Client) FetchOrder(ctx context.Context, id, symbol string) (models.OrderAck, error) {
	svc := c.api.NewGetOrderService().Symbol(symbol)
	if oid, err := strconv.ParseInt(id, 10, 64); err == nil {
		svc = svc.OrderID(oid)
	} else {
		svc = svc.OrigClientOrderID(id)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return models.OrderAck{}, classify("FetchOrder", err)
	}
	return orderAck(o), nil
}

func (c *Client) fetchByClientID(ctx context.Context, symbol, token string) (models.OrderAck, error) {
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(token).Do(ctx)
	if err != nil {
		return models.OrderAck{}, classify("FetchOrder", err)
	}
	return orderAck(o), nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]models.ProtectiveOrder, error) {
	svc := c.api.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("FetchOpenOrders", err)
	}

	out := make([]models.ProtectiveOrder, 0, len(res))
	for _, o := range res {
		kind, ok := conditionalKind(string(o.Type))
		if !ok {
			continue
		}
		out = append(out, models.ProtectiveOrder{
			ID:            formatID(o.OrderID),
			Symbol:        o.Symbol,
			Kind:          kind,
			Side:          models.Side(o.Side),
			TriggerPrice:  parseDec(o.StopPrice),
			Quantity:      parseDec(o.OrigQuantity),
			Status:        mapStatus(string(o.Status)),
			ClosePosition: o.ClosePosition,
		})
	}
	return out, nil
}

func (c *Client) wasSent(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sent[token]
	return ok
}

func (c *Client) markSent(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) > 10000 {
		c.sent = make(map[string]struct{})
	}
	c.sent[token] = struct{}{}
}

func orderAck(o *futures.Order) models.OrderAck {
	kind, ok := conditionalKind(string(o.Type))
	if !ok {
		kind = models.KindMarket
	}
	return models.OrderAck{
		ID:          formatID(o.OrderID),
		ClientID:    o.ClientOrderID,
		Symbol:      o.Symbol,
		Kind:        kind,
		Side:        models.Side(o.Side),
		Status:      mapStatus(string(o.Status)),
		ExecutedQty: parseDec(o.ExecutedQuantity),
		AvgPrice:    parseDec(o.AvgPrice),
	}
}

func conditionalKind(t string) (models.OrderKind, bool) {
	switch t {
	case "STOP_MARKET", "STOP", "STOP_LOSS", "STOP_LOSS_LIMIT":
		return models.KindStop, true
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		return models.KindTakeProfit, true
	default:
		return "", false
	}
}

func mapStatus(s string) models.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return models.OrderOpen
	case "FILLED":
		return models.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderCanceled
	case "REJECTED":
		return models.OrderRejected
	default:
		return models.OrderUnknown
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
