// Package exchangetest: записывающий тестовый двойник exchange.Gateway.
// Держит минимальную модель биржи (позиции, условные ордера) и считает вызовы.
package exchangetest

import (
	"context"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

type Call struct {
	Method string
	Symbol string
	ID     string
	Req    models.OrderRequest
}

type Recorder struct {
	mu sync.Mutex

	Calls []Call

	Tickers     map[string]models.Ticker
	Balance     models.Balance
	Positions   []models.Position
	Orders      []models.ProtectiveOrder
	Instruments map[string]models.Instrument
	Candles     []models.Candle

	// Failures: очередь ошибок на PlaceOrder по виду ордера, снимается по одной.
	Failures map[models.OrderKind][]error
	// Fills: очередь исполненных объёмов для входных маркетов, по умолчанию полный.
	Fills []decimal.Decimal
	// VerifyStatus: статус, который FetchOrder вернёт для условных ордеров.
	VerifyStatus models.OrderStatus
	// FetchOrderErr, CancelErr, PositionsErr, BalanceErr - общие ошибки вызовов.
	FetchOrderErr error
	CancelErr     error
	PositionsErr  error
	BalanceErr    error
	// DropStops: принятые стопы не появляются в open orders (биржа сразу их отменяет).
	DropStops bool

	acks   map[string]models.OrderAck
	nextID int
}

func New() *Recorder {
	return &Recorder{
		Tickers:     make(map[string]models.Ticker),
		Instruments: make(map[string]models.Instrument),
		Failures:    make(map[models.OrderKind][]error),
		acks:        make(map[string]models.OrderAck),
	}
}

func (r *Recorder) record(c Call) {
	r.Calls = append(r.Calls, c)
}

// Count: число вызовов метода.
func (r *Recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// OrderCalls: PlaceOrder + CancelOrder.
func (r *Recorder) OrderCalls() int { return r.Count("PlaceOrder") + r.Count("CancelOrder") }

// Mutations: всё, что меняет состояние аккаунта.
func (r *Recorder) Mutations() int {
	return r.OrderCalls() + r.Count("SetLeverage") + r.Count("SetMarginMode")
}

// Placed: отправленные запросы заданного вида (включая неуспешные).
func (r *Recorder) Placed(kind models.OrderKind) []models.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.OrderRequest
	for _, c := range r.Calls {
		if c.Method == "PlaceOrder" && c.Req.Kind == kind {
			out = append(out, c.Req)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Calls = nil
	r.mu.Unlock()
}

func (r *Recorder) SetPositions(ps ...models.Position) {
	r.mu.Lock()
	r.Positions = ps
	r.mu.Unlock()
}

func (r *Recorder) AddOrder(o models.ProtectiveOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == "" {
		r.nextID++
		o.ID = "ext-" + strconv.Itoa(r.nextID)
	}
	if o.Status == "" {
		o.Status = models.OrderOpen
	}
	r.Orders = append(r.Orders, o)
}

func (r *Recorder) FetchTicker(_ context.Context, symbol string) (models.Ticker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchTicker", Symbol: symbol})
	return r.Tickers[symbol], nil
}

func (r *Recorder) FetchBalance(context.Context) (models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchBalance"})
	return r.Balance, r.BalanceErr
}

func (r *Recorder) FetchPositions(context.Context) ([]models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchPositions"})
	if r.PositionsErr != nil {
		return nil, r.PositionsErr
	}
	return append([]models.Position(nil), r.Positions...), nil
}

func (r *Recorder) FetchOpenOrders(_ context.Context, symbol string) ([]models.ProtectiveOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchOpenOrders", Symbol: symbol})
	var out []models.ProtectiveOrder
	for _, o := range r.Orders {
		if o.Status == models.OrderOpen && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *Recorder) FetchInstrument(_ context.Context, symbol string) (models.Instrument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchInstrument", Symbol: symbol})
	if inst, ok := r.Instruments[symbol]; ok {
		return inst, nil
	}
	return models.Instrument{
		Symbol:   symbol,
		StepSize: decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.1"),
	}, nil
}

func (r *Recorder) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]models.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchCandles", Symbol: symbol})
	return r.Candles, nil
}

func (r *Recorder) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "PlaceOrder", Symbol: req.Symbol, Req: req})

	if q := r.Failures[req.Kind]; len(q) > 0 {
		err := q[0]
		r.Failures[req.Kind] = q[1:]
		if err != nil {
			return models.OrderAck{}, err
		}
	}

	r.nextID++
	ack := models.OrderAck{
		ID:       strconv.Itoa(r.nextID),
		ClientID: req.Token,
		Symbol:   req.Symbol,
		Kind:     req.Kind,
		Side:     req.Side,
	}

	switch req.Kind {
	case models.KindMarket:
		qty := req.Quantity
		if !req.ReduceOnly && len(r.Fills) > 0 {
			qty = r.Fills[0]
			r.Fills = r.Fills[1:]
		}
		px := r.Tickers[req.Symbol].EntryPrice(req.Side)
		ack.Status = models.OrderFilled
		ack.ExecutedQty = qty
		ack.AvgPrice = px
		if qty.IsPositive() {
			r.applyFill(req, qty, px)
		}
	default:
		ack.Status = models.OrderOpen
		if !r.DropStops {
			r.Orders = append(r.Orders, models.ProtectiveOrder{
				ID:           ack.ID,
				Symbol:       req.Symbol,
				Kind:         req.Kind,
				Side:         req.Side,
				TriggerPrice: req.TriggerPrice,
				Quantity:     req.Quantity,
				Status:       models.OrderOpen,
			})
		}
	}
	r.acks[ack.ID] = ack
	return ack, nil
}

// applyFill двигает модель позиций: reduce-only уменьшает, иначе наращивает.
func (r *Recorder) applyFill(req models.OrderRequest, qty, px decimal.Decimal) {
	if req.ReduceOnly {
		for i, p := range r.Positions {
			if p.Symbol == req.Symbol && p.Side == req.Side.Opposite() {
				left := p.Quantity.Sub(qty)
				if !left.IsPositive() {
					r.Positions = append(r.Positions[:i], r.Positions[i+1:]...)
				} else {
					r.Positions[i].Quantity = left
				}
				return
			}
		}
		return
	}
	for i, p := range r.Positions {
		if p.Symbol == req.Symbol && p.Side == req.Side {
			r.Positions[i].Quantity = p.Quantity.Add(qty)
			return
		}
	}
	r.Positions = append(r.Positions, models.Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		EntryPrice: px,
	})
}

func (r *Recorder) CancelOrder(_ context.Context, id, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "CancelOrder", ID: id, Symbol: symbol})
	if r.CancelErr != nil {
		return r.CancelErr
	}
	for i, o := range r.Orders {
		if o.ID == id {
			r.Orders[i].Status = models.OrderCanceled
		}
	}
	return nil
}

func (r *Recorder) FetchOrder(_ context.Context, id, symbol string) (models.OrderAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "FetchOrder", ID: id, Symbol: symbol})
	if r.FetchOrderErr != nil {
		return models.OrderAck{}, r.FetchOrderErr
	}
	ack, ok := r.acks[id]
	if !ok {
		return models.OrderAck{ID: id, Symbol: symbol, Status: models.OrderUnknown}, nil
	}
	if ack.Kind != models.KindMarket && r.VerifyStatus != "" {
		ack.Status = r.VerifyStatus
		if ack.Status.Dead() {
			for i, o := range r.Orders {
				if o.ID == id {
					r.Orders[i].Status = ack.Status
				}
			}
		}
	}
	return ack, nil
}

func (r *Recorder) SetLeverage(_ context.Context, symbol string, leverage int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "SetLeverage", Symbol: symbol, ID: strconv.Itoa(leverage)})
	return nil
}

func (r *Recorder) SetMarginMode(_ context.Context, symbol string, mode models.MarginMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Method: "SetMarginMode", Symbol: symbol, ID: string(mode)})
	return nil
}
