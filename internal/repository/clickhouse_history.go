// Package repository holds concrete adapters for the domain ports.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// HistorySchema creates the archive tables.
var HistorySchema = []string{
	`CREATE DATABASE IF NOT EXISTS qbtrade`,
	`CREATE TABLE IF NOT EXISTS qbtrade.orders_history (
		id String,
		broker_order_id String,
		symbol String,
		side String,
		type String,
		quantity Int64,
		price Decimal(18, 4),
		state String,
		filled_qty Int64,
		avg_fill_price Decimal(18, 4),
		commission Decimal(18, 4),
		fail_reason String,
		strategy String,
		created_ts DateTime64(6, 'UTC'),
		updated_ts DateTime64(6, 'UTC')
	) ENGINE = MergeTree ORDER BY (symbol, created_ts)`,
	`CREATE TABLE IF NOT EXISTS qbtrade.fills_history (
		fill_id String,
		order_id String,
		symbol String,
		side String,
		qty Int64,
		price Decimal(18, 4),
		commission Decimal(18, 4),
		ts DateTime64(6, 'UTC')
	) ENGINE = MergeTree ORDER BY (symbol, ts)`,
}

// ClickHouseHistory archives terminal orders and fills in bounded batches.
type ClickHouseHistory struct {
	db           *sql.DB
	log          *logger.Logger
	batchSize    int
	batchTimeout time.Duration

	mu     sync.Mutex
	orders []models.Order
	fills  []models.Fill

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClickHouseHistory creates the archive over an open connection.
func NewClickHouseHistory(db *sql.DB, batchSize int, batchTimeout time.Duration, log *logger.Logger) *ClickHouseHistory {
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	h := &ClickHouseHistory{
		db:           db,
		log:          log,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		stopCh:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.flushLoop()
	return h
}

// ArchiveOrder buffers a terminal order for insertion.
func (h *ClickHouseHistory) ArchiveOrder(_ context.Context, o *models.Order) error {
	h.mu.Lock()
	h.orders = append(h.orders, *o)
	full := len(h.orders) >= h.batchSize
	h.mu.Unlock()
	if full {
		h.flush()
	}
	return nil
}

// ArchiveFill buffers a fill for insertion.
func (h *ClickHouseHistory) ArchiveFill(_ context.Context, f *models.Fill) error {
	h.mu.Lock()
	h.fills = append(h.fills, *f)
	full := len(h.fills) >= h.batchSize
	h.mu.Unlock()
	if full {
		h.flush()
	}
	return nil
}

// Close flushes outstanding batches and stops the loop.
func (h *ClickHouseHistory) Close() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.flush()
	return nil
}

func (h *ClickHouseHistory) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.batchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *ClickHouseHistory) flush() {
	h.mu.Lock()
	orders := h.orders
	fills := h.fills
	h.orders = nil
	h.fills = nil
	h.mu.Unlock()

	if len(orders) > 0 {
		if err := h.insertOrders(orders); err != nil {
			h.log.Error("order archive flush", logger.Error(err))
		}
	}
	if len(fills) > 0 {
		if err := h.insertFills(fills); err != nil {
			h.log.Error("fill archive flush", logger.Error(err))
		}
	}
}

func (h *ClickHouseHistory) insertOrders(orders []models.Order) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO qbtrade.orders_history
		(id, broker_order_id, symbol, side, type, quantity, price, state,
		 filled_qty, avg_fill_price, commission, fail_reason, strategy,
		 created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	for i := range orders {
		o := &orders[i]
		if _, err := stmt.Exec(
			o.ID, o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Type),
			o.Quantity, o.Price.String(), string(o.State),
			o.FilledQty, o.AvgFillPrice.String(), o.Commission.String(),
			o.FailReason, o.StrategyName, o.CreatedTS, o.UpdatedTS,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec: %w", err)
		}
	}
	return tx.Commit()
}

func (h *ClickHouseHistory) insertFills(fills []models.Fill) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO qbtrade.fills_history
		(fill_id, order_id, symbol, side, qty, price, commission, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	for i := range fills {
		f := &fills[i]
		if _, err := stmt.Exec(
			f.FillID, f.OrderID, f.Symbol, string(f.Side),
			f.Qty, f.Price.String(), f.Commission.String(), f.TS,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec: %w", err)
		}
	}
	return tx.Commit()
}
