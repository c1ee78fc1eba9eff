package order

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"qbtrade/internal/domain/models"
)

var (
	// ErrDuplicateInFlight rejects a second order matching an in-flight
	// (symbol, side, strategy) triple. Liquidations are exempt so a stop
	// can always exit even with a parallel entry queued.
	ErrDuplicateInFlight = errors.New("order: duplicate_in_flight")
	// ErrQueueFull rejects intake beyond the configured bound.
	ErrQueueFull = errors.New("order: queue full")
)

// priorityFor computes the ordering key; lower runs first.
func priorityFor(o *models.Order, strategyPriority map[string]int) int {
	p := 100
	if o.Type == models.TypeMarket {
		p -= 20
	}
	if o.Side == models.SideSell {
		p -= 5
	}
	if adj, ok := strategyPriority[o.StrategyName]; ok {
		if adj > 10 {
			adj = 10
		}
		if adj < -10 {
			adj = -10
		}
		p += adj
	}
	return p
}

type queuedOrder struct {
	order       *models.Order
	priority    int
	enqueuedAt  time.Time
	liquidation bool
	index       int
}

// orderHeap orders by priority, FIFO on created timestamp within a key.
type orderHeap []*queuedOrder

func (h orderHeap) Len() int { return len(h) }
func (h orderHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].order.CreatedTS.Before(h[j].order.CreatedTS)
}
func (h orderHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *orderHeap) Push(x interface{}) {
	qo := x.(*queuedOrder)
	qo.index = len(*h)
	*h = append(*h, qo)
}
func (h *orderHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qo := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qo
}

// Queue is the priority queue feeding broker submission. In-flight tracking
// backs the duplicate rule; expiry fails orders that waited too long.
type Queue struct {
	mu               sync.Mutex
	heap             orderHeap
	inflight         map[inflightKey]string // -> order id
	maxSize          int
	priorityTimeout  time.Duration
	strategyPriority map[string]int
}

type inflightKey struct {
	symbol   string
	side     models.OrderSide
	strategy string
}

// NewQueue creates a bounded priority queue.
func NewQueue(maxSize int, priorityTimeout time.Duration, strategyPriority map[string]int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if priorityTimeout <= 0 {
		priorityTimeout = 300 * time.Second
	}
	q := &Queue{
		inflight:         make(map[inflightKey]string),
		maxSize:          maxSize,
		priorityTimeout:  priorityTimeout,
		strategyPriority: strategyPriority,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds an order, enforcing the bound and the duplicate rule.
// liquidation orders bypass the duplicate check.
func (q *Queue) Enqueue(o *models.Order, liquidation bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}
	key := inflightKey{symbol: o.Symbol, side: o.Side, strategy: o.StrategyName}
	if !liquidation {
		if _, ok := q.inflight[key]; ok {
			return ErrDuplicateInFlight
		}
	}
	q.inflight[key] = o.ID
	heap.Push(&q.heap, &queuedOrder{
		order:       o,
		priority:    priorityFor(o, q.strategyPriority),
		enqueuedAt:  time.Now().UTC(),
		liquidation: liquidation,
	})
	return nil
}

// Dequeue pops the highest-priority live order. Expired orders are returned
// separately so the engine can fail them; ok is false when nothing is ready.
func (q *Queue) Dequeue(now time.Time) (next *models.Order, expired []*models.Order, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) > 0 {
		qo := heap.Pop(&q.heap).(*queuedOrder)
		if now.Sub(qo.enqueuedAt) > q.priorityTimeout {
			expired = append(expired, qo.order)
			continue
		}
		return qo.order, expired, true
	}
	return nil, expired, false
}

// Release clears the in-flight marker once an order reaches a terminal
// state.
func (q *Queue) Release(o *models.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := inflightKey{symbol: o.Symbol, side: o.Side, strategy: o.StrategyName}
	if id, ok := q.inflight[key]; ok && id == o.ID {
		delete(q.inflight, key)
	}
}

// InFlight reports whether an equivalent order is live.
func (q *Queue) InFlight(symbol string, side models.OrderSide, strategy string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[inflightKey{symbol: symbol, side: side, strategy: strategy}]
	return ok
}

// Len returns the number of queued orders.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
