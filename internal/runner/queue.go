package runner

import (
	"sync"

	"github.com/pkg/errors"

	"trade_guard/internal/models"
)

// IntentQueue: очередь намерений на вход от внешней стратегии.
// Политика drop_same_symbol: новое намерение по символу заменяет старое;
// при переполнении выкидывается самое старое.
type IntentQueue struct {
	mu    sync.Mutex
	items []models.EntryIntent
	max   int
	wake  chan struct{}
}

func NewIntentQueue(max int) *IntentQueue {
	if max <= 0 {
		max = 20
	}
	return &IntentQueue{max: max, wake: make(chan struct{}, 1)}
}

// Push возвращает true, если какое-то намерение было вытеснено.
func (q *IntentQueue) Push(in models.EntryIntent) (bool, error) {
	if in.Symbol == "" || !in.Side.Valid() {
		return false, errors.Errorf("bad intent: symbol=%q side=%q", in.Symbol, in.Side)
	}
	if in.StopPrice.IsNegative() || in.TakeProfit.IsNegative() {
		return false, errors.New("bad intent: negative price")
	}

	q.mu.Lock()
	dropped := false
	for i, it := range q.items {
		if it.Symbol == in.Symbol {
			q.items = append(q.items[:i], q.items[i+1:]...)
			dropped = true
			break
		}
	}
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, in)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return dropped, nil
}

func (q *IntentQueue) Pop() (models.EntryIntent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.EntryIntent{}, false
	}
	in := q.items[0]
	q.items = q.items[1:]
	return in, true
}

func (q *IntentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake: сигнал, что в очереди появилось намерение.
func (q *IntentQueue) Wake() <-chan struct{} { return q.wake }
