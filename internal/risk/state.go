package risk

import (
	"github.com/shopspring/decimal"

	"trade_guard/internal/models"
)

const (
	// HistoryLimit: сколько последних сделок храним.
	HistoryLimit = 100
	// WinRateWindow: окно для winRate.
	WinRateWindow = 20
)

// State: единственный владелец истории сделок и пикового баланса.
// Принадлежит циклу управления; загружается из журнала на старте.
type State struct {
	History     []models.TradeRecord
	PeakBalance decimal.Decimal
}

// Snapshot: то, что уходит в журнал.
type Snapshot struct {
	History     []models.TradeRecord `json:"history"`
	PeakBalance decimal.Decimal      `json:"peak_balance"`
}

func NewState() *State { return &State{} }

// Restore поднимает состояние из снимка журнала, лишнее отрезается.
func Restore(s Snapshot) *State {
	st := &State{PeakBalance: s.PeakBalance}
	for _, r := range s.History {
		st.RecordTrade(r)
	}
	return st
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		History:     append([]models.TradeRecord(nil), s.History...),
		PeakBalance: s.PeakBalance,
	}
}

// RecordTrade: append-only, хвост ограничен HistoryLimit.
func (s *State) RecordTrade(r models.TradeRecord) {
	s.History = append(s.History, r)
	if n := len(s.History); n > HistoryLimit {
		s.History = append([]models.TradeRecord(nil), s.History[n-HistoryLimit:]...)
	}
}

// ObserveBalance двигает пик вверх. Возвращает true, если пик обновился.
func (s *State) ObserveBalance(wallet decimal.Decimal) bool {
	if wallet.GreaterThan(s.PeakBalance) {
		s.PeakBalance = wallet
		return true
	}
	return false
}

// Drawdown = (peak - current) / peak, в долях. Без пика - 0.
func (s *State) Drawdown(wallet decimal.Decimal) float64 {
	if !s.PeakBalance.IsPositive() || wallet.GreaterThanOrEqual(s.PeakBalance) {
		return 0
	}
	dd, _ := s.PeakBalance.Sub(wallet).Div(s.PeakBalance).Float64()
	return dd
}

// WinRate по последним WinRateWindow сделкам.
func (s *State) WinRate() float64 {
	recent := s.History
	if len(recent) > WinRateWindow {
		recent = recent[len(recent)-WinRateWindow:]
	}
	if len(recent) == 0 {
		return 0
	}
	wins := 0
	for _, r := range recent {
		if r.Win() {
			wins++
		}
	}
	return float64(wins) / float64(len(recent))
}

// ConsecutiveLosses: серия убыточных сделок с конца истории.
func (s *State) ConsecutiveLosses() int {
	n := 0
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Win() {
			break
		}
		n++
	}
	return n
}
