package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
)

// ExecutionTracker follows one order through its fills: size-weighted
// average price, the fill history, a stall watchdog for partial fills, and
// a hard cap on fills per order (excess fills are anomalies and excluded
// from accounting).
type ExecutionTracker struct {
	mu         sync.Mutex
	order      *models.Order
	fills      []models.Fill
	lastFillAt time.Time
	stalled    bool
	maxFills   int
	rejected   int
}

// NewExecutionTracker wraps an order after submission.
func NewExecutionTracker(o *models.Order, maxFills int) *ExecutionTracker {
	if maxFills <= 0 {
		maxFills = 100
	}
	return &ExecutionTracker{order: o, maxFills: maxFills}
}

// Apply folds a fill in. ok is false when the fill was rejected by the cap
// or would overfill the order.
func (t *ExecutionTracker) Apply(f models.Fill) (order models.Order, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fills) >= t.maxFills {
		t.rejected++
		return *t.order, false
	}
	if t.order.FilledQty+f.Qty > t.order.Quantity {
		t.rejected++
		return *t.order, false
	}

	t.fills = append(t.fills, f)
	t.lastFillAt = f.TS
	t.stalled = false

	prevQty := decimal.NewFromInt(t.order.FilledQty)
	newQty := decimal.NewFromInt(t.order.FilledQty + f.Qty)
	t.order.AvgFillPrice = prevQty.Mul(t.order.AvgFillPrice).
		Add(f.Price.Mul(decimal.NewFromInt(f.Qty))).
		Div(newQty)
	t.order.FilledQty += f.Qty
	t.order.Commission = t.order.Commission.Add(f.Commission)
	t.order.UpdatedTS = f.TS

	if t.order.FilledQty == t.order.Quantity {
		t.order.State = models.StateFilled
	} else {
		t.order.State = models.StatePartial
	}
	return *t.order, true
}

// MarkSubmitted records broker acceptance. It never downgrades a state a
// concurrent fill already advanced.
func (t *ExecutionTracker) MarkSubmitted(brokerID string, ts time.Time) models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order.BrokerOrderID = brokerID
	t.order.UpdatedTS = ts
	if t.order.State == models.StateNew || t.order.State == models.StateQueued {
		t.order.State = models.StateSubmitted
	}
	return *t.order
}

// StallCheck inspects a partially filled order against the stall threshold.
// The first crossing reports stalled; at twice the threshold it reports
// cancel. now is injected for tests.
func (t *ExecutionTracker) StallCheck(now time.Time, threshold time.Duration) (stalled, cancel bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.State != models.StatePartial || t.lastFillAt.IsZero() {
		return false, false
	}
	idle := now.Sub(t.lastFillAt)
	if idle > 2*threshold {
		return false, true
	}
	if idle > threshold && !t.stalled {
		t.stalled = true
		return true, false
	}
	return false, false
}

// Order returns a copy of the tracked order.
func (t *ExecutionTracker) Order() models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.order
}

// Fills returns a copy of the fill history.
func (t *ExecutionTracker) Fills() []models.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Fill, len(t.fills))
	copy(out, t.fills)
	return out
}

// RejectedFills counts fills excluded by the cap or overfill guard.
func (t *ExecutionTracker) RejectedFills() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejected
}
