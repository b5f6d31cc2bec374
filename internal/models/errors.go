package models

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrSequenceInFlight = errors.New("sequence already in flight for symbol")

// StaleDataError: тикер старше допустимого, ордер слать нельзя.
type StaleDataError struct {
	Symbol string
	Age    time.Duration
	Limit  time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale ticker %s: age %s >= %s", e.Symbol, e.Age, e.Limit)
}

type SpreadTooWideError struct {
	Symbol string
	Spread float64
	Limit  float64
}

func (e *SpreadTooWideError) Error() string {
	return fmt.Sprintf("spread too wide %s: %.6f > %.6f", e.Symbol, e.Spread, e.Limit)
}

// TransientExchangeError: сеть, rate limit, таймаут. Ретраится.
type TransientExchangeError struct {
	Op  string
	Err error
}

func (e *TransientExchangeError) Error() string { return fmt.Sprintf("transient %s: %v", e.Op, e.Err) }
func (e *TransientExchangeError) Unwrap() error { return e.Err }

// FatalExchangeError: ключи, подпись, права. Контроллер останавливается.
type FatalExchangeError struct {
	Op  string
	Err error
}

func (e *FatalExchangeError) Error() string { return fmt.Sprintf("fatal %s: %v", e.Op, e.Err) }
func (e *FatalExchangeError) Unwrap() error { return e.Err }

// RejectedOrderError: биржа отказала по существу запроса. Не ретраится.
type RejectedOrderError struct {
	Op   string
	Code int64
	Err  error
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("rejected %s (code %d): %v", e.Op, e.Code, e.Err)
}
func (e *RejectedOrderError) Unwrap() error { return e.Err }

type UnprotectedPositionError struct {
	Symbol string
	Side   Side
	Reason string
}

func (e *UnprotectedPositionError) Error() string {
	return fmt.Sprintf("position %s %s unprotected: %s", e.Symbol, e.Side, e.Reason)
}

func IsTransient(err error) bool {
	var t *TransientExchangeError
	return errors.As(err, &t)
}

func IsFatal(err error) bool {
	var f *FatalExchangeError
	return errors.As(err, &f)
}
