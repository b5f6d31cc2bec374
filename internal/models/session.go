package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PosKey struct {
	Symbol string
	Side   Side
}

func (k PosKey) String() string { return k.Symbol + ":" + string(k.Side) }

// CachedPos: позиция с прошлого цикла, нужна чтобы заметить закрытие.
// LastPx: последняя известная цена, по ней считается выход.
type CachedPos struct {
	Position
	LastPx    decimal.Decimal
	UpdatedAt time.Time
}
