package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qbtrade/internal/domain/models"
	"qbtrade/internal/domain/repository"
)

// Mock is an in-process broker that fills every placed order at the order's
// own price, without a marketability check. It backs tests and paper
// trading runs.
type Mock struct {
	mu       sync.Mutex
	seq      int
	byClient map[string]string // client order id -> broker order id
	orders   map[string]models.Order

	fills  chan repository.FillNotification
	status chan repository.StatusChange

	// FillDelay postpones the synthetic fill; zero fills synchronously.
	FillDelay time.Duration
	// PartialQty, when positive, fills only that quantity per order.
	PartialQty int64
	// PlaceErr, when set, is returned by Place (for failure-path tests).
	PlaceErr error
}

// NewMock creates a mock broker.
func NewMock() *Mock {
	return &Mock{
		byClient: make(map[string]string),
		orders:   make(map[string]models.Order),
		fills:    make(chan repository.FillNotification, 256),
		status:   make(chan repository.StatusChange, 64),
	}
}

// Place registers the order and schedules a synthetic fill. Duplicate client
// order ids return the original broker order id without a second fill.
func (m *Mock) Place(_ context.Context, o *models.Order) (string, error) {
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	m.mu.Lock()
	if existing, ok := m.byClient[o.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.seq++
	brokerID := fmt.Sprintf("MOCK-%06d", m.seq)
	m.byClient[o.ID] = brokerID
	m.orders[brokerID] = *o
	m.mu.Unlock()

	qty := o.Quantity
	if m.PartialQty > 0 && m.PartialQty < qty {
		qty = m.PartialQty
	}
	fill := repository.FillNotification{
		BrokerOrderID: brokerID,
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Qty:           qty,
		Price:         o.Price.String(),
		TS:            time.Now().UTC(),
	}
	if m.FillDelay > 0 {
		go func() {
			time.Sleep(m.FillDelay)
			m.fills <- fill
		}()
	} else {
		m.fills <- fill
	}
	return brokerID, nil
}

// Cancel reports the order cancelled.
func (m *Mock) Cancel(_ context.Context, brokerOrderID string) error {
	m.mu.Lock()
	o, ok := m.orders[brokerOrderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: unknown order %s", brokerOrderID)
	}
	m.status <- repository.StatusChange{
		BrokerOrderID: brokerOrderID,
		ClientOrderID: o.ID,
		Status:        "cancelled",
		Reason:        "cancel requested",
		TS:            time.Now().UTC(),
	}
	return nil
}

// Balance returns a fixed large cash figure.
func (m *Mock) Balance(context.Context) (string, error) { return "10000000", nil }

// Fills exposes the synthetic fill channel.
func (m *Mock) Fills() <-chan repository.FillNotification { return m.fills }

// StatusChanges exposes the synthetic status channel.
func (m *Mock) StatusChanges() <-chan repository.StatusChange { return m.status }

// PlaceCount reports how many distinct orders reached the broker.
func (m *Mock) PlaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Close shuts the push channels.
func (m *Mock) Close() error {
	close(m.fills)
	close(m.status)
	return nil
}
