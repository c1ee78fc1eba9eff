// Package repository declares the ports the engines depend on. Concrete
// implementations live under internal/service and internal/repository.
package repository

import (
	"context"
	"time"

	"qbtrade/internal/domain/models"
)

// FillNotification is pushed by the broker when an order executes.
type FillNotification struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Qty           int64
	Price         string
	TS            time.Time
}

// StatusChange is pushed by the broker on order state transitions.
type StatusChange struct {
	BrokerOrderID string
	ClientOrderID string
	Status        string // submitted, cancelled, rejected
	Reason        string
	TS            time.Time
}

// BrokerClient is the order-side external collaborator. Place is idempotent
// on the client order id: retries reuse the same id and the broker returns
// the original broker order id.
type BrokerClient interface {
	Place(ctx context.Context, o *models.Order) (brokerOrderID string, err error)
	Cancel(ctx context.Context, brokerOrderID string) error
	Balance(ctx context.Context) (cash string, err error)
	Fills() <-chan FillNotification
	StatusChanges() <-chan StatusChange
	Close() error
}

// HistoryArchive persists terminal orders and fills for later analysis.
type HistoryArchive interface {
	ArchiveOrder(ctx context.Context, o *models.Order) error
	ArchiveFill(ctx context.Context, f *models.Fill) error
	Close() error
}

// Metrics is the cross-cutting metrics surface shared by the engines.
type Metrics interface {
	RecordOrderState(state string)
	RecordFill(side string)
	RecordQueueDepth(n int)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
