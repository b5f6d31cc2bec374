package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeRecord struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	ClosedAt   time.Time       `json:"closed_at"`
}

func (r TradeRecord) Win() bool { return r.PnL.IsPositive() }

// RiskMetrics: winRate и drawdown в долях [0,1], volatility в процентах цены.
type RiskMetrics struct {
	Volatility        float64
	WinRate           float64
	Drawdown          float64
	ConsecutiveLosses int
	TrendStrength     float64
	TotalTrades       int
}

type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCross    MarginMode = "CROSS"
)

type RiskParameters struct {
	Leverage         int
	MarginMode       MarginMode
	TPTimeoutSeconds int
	Halted           bool
	HaltReason       string
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)
