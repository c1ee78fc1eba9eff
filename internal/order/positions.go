package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/store"
	"qbtrade/pkg/logger"
	"qbtrade/pkg/util"
)

// PositionBook is the canonical position and P&L ledger. Buys fold the
// commission into average cost; sells realize P&L net of commission and
// leave the average cost untouched until the position flattens.
type PositionBook struct {
	eb  bus.Bus
	st  *store.Store
	log *logger.Logger

	mu        sync.RWMutex
	positions map[string]*models.Position
	cash      decimal.Decimal

	dailyPnL     decimal.Decimal
	monthlyPnL   decimal.Decimal
	pnlDay       time.Time
	ordersToday  int
	consecLosses int
	openOrderVal decimal.Decimal
	sectors      map[string]string
}

// NewPositionBook creates a book with the given starting cash.
func NewPositionBook(eb bus.Bus, st *store.Store, startingCash decimal.Decimal, sectors map[string]string, log *logger.Logger) *PositionBook {
	return &PositionBook{
		eb:        eb,
		st:        st,
		log:       log,
		positions: make(map[string]*models.Position),
		cash:      startingCash,
		pnlDay:    util.KSTDayStartUTC(time.Now()),
		sectors:   sectors,
	}
}

// ApplyFill folds one fill into the book and publishes position_updated.
func (b *PositionBook) ApplyFill(ctx context.Context, f *models.Fill) {
	b.mu.Lock()
	b.rollDayLocked(f.TS)

	p, ok := b.positions[f.Symbol]
	if !ok {
		p = &models.Position{Symbol: f.Symbol, LastMarkPrice: f.Price}
		b.positions[f.Symbol] = p
	}

	fillQty := decimal.NewFromInt(f.Qty)
	notional := f.Price.Mul(fillQty)

	switch f.Side {
	case models.SideBuy:
		oldQty := decimal.NewFromInt(p.Qty)
		cost := oldQty.Mul(p.AvgCost).Add(notional).Add(f.Commission)
		newQty := p.Qty + f.Qty
		p.AvgCost = cost.Div(decimal.NewFromInt(newQty))
		if p.Qty == 0 {
			p.EntryTS = f.TS
		}
		p.Qty = newQty
		b.cash = b.cash.Sub(notional).Sub(f.Commission)

	case models.SideSell:
		realized := f.Price.Sub(p.AvgCost).Mul(fillQty).Sub(f.Commission)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		b.dailyPnL = b.dailyPnL.Add(realized)
		b.monthlyPnL = b.monthlyPnL.Add(realized)
		p.Qty -= f.Qty
		if p.Qty <= 0 {
			p.Qty = 0
			p.AvgCost = decimal.Zero
			if realized.Sign() < 0 {
				b.consecLosses++
			} else {
				b.consecLosses = 0
			}
		}
		b.cash = b.cash.Add(notional).Sub(f.Commission)
	}

	p.LastMarkPrice = f.Price
	p.UnrealizedPnL = f.Price.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.Qty))
	p.LastUpdated = f.TS
	snapshot := *p
	b.mu.Unlock()

	b.persist(ctx, &snapshot)
	b.publish(&snapshot)
}

// Mark updates unrealized P&L from the latest close.
func (b *PositionBook) Mark(ctx context.Context, symbol string, price decimal.Decimal) {
	b.mu.Lock()
	p, ok := b.positions[symbol]
	if !ok || p.Qty == 0 || price.Sign() <= 0 {
		b.mu.Unlock()
		return
	}
	p.LastMarkPrice = price
	p.UnrealizedPnL = price.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.Qty))
	p.LastUpdated = time.Now().UTC()
	snapshot := *p
	b.mu.Unlock()

	b.persist(ctx, &snapshot)
	b.publish(&snapshot)
}

// CountOrder increments today's order counter.
func (b *PositionBook) CountOrder(ts time.Time) {
	b.mu.Lock()
	b.rollDayLocked(ts)
	b.ordersToday++
	b.mu.Unlock()
}

// SetOpenOrderValue tracks the notional of working orders.
func (b *PositionBook) SetOpenOrderValue(v decimal.Decimal) {
	b.mu.Lock()
	b.openOrderVal = v
	b.mu.Unlock()
}

// rollDayLocked resets daily counters when the KST day changes. The monthly
// total resets when the month changes.
func (b *PositionBook) rollDayLocked(ts time.Time) {
	day := util.KSTDayStartUTC(ts)
	if day.Equal(b.pnlDay) {
		return
	}
	if day.In(util.KST).Month() != b.pnlDay.In(util.KST).Month() {
		b.monthlyPnL = decimal.Zero
	}
	b.pnlDay = day
	b.dailyPnL = decimal.Zero
	b.ordersToday = 0
}

// Position returns a copy of one position, nil when flat and unknown.
func (b *PositionBook) Position(symbol string) *models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[symbol]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// Positions returns a copy of all non-flat positions.
func (b *PositionBook) Positions() map[string]models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]models.Position, len(b.positions))
	for sym, p := range b.positions {
		if p.Qty != 0 {
			out[sym] = *p
		}
	}
	return out
}

// Cash returns current cash.
func (b *PositionBook) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// RiskContext implements risk.ContextProvider over the book.
func (b *PositionBook) RiskContext(ctx context.Context) (*models.RiskContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := make(map[string]models.Position, len(b.positions))
	marks := make(map[string]decimal.Decimal, len(b.positions))
	value := b.cash
	for sym, p := range b.positions {
		if p.Qty == 0 {
			continue
		}
		positions[sym] = *p
		marks[sym] = p.LastMarkPrice
		value = value.Add(p.MarketValue())
	}
	return &models.RiskContext{
		PortfolioValue:    value,
		Cash:              b.cash,
		RealizedPnLToday:  b.dailyPnL,
		RealizedPnLMonth:  b.monthlyPnL,
		OpenOrderValue:    b.openOrderVal,
		OrdersToday:       b.ordersToday,
		ConsecutiveLosses: b.consecLosses,
		Positions:         positions,
		Sectors:           b.sectors,
		Marks:             marks,
		AsOf:              time.Now().UTC(),
	}, nil
}

// GCFlat removes flat positions older than the grace window from the cache.
func (b *PositionBook) GCFlat(ctx context.Context, grace time.Duration) {
	now := time.Now().UTC()
	b.mu.Lock()
	var gone []string
	for sym, p := range b.positions {
		if p.Qty == 0 && now.Sub(p.LastUpdated) > grace {
			delete(b.positions, sym)
			gone = append(gone, sym)
		}
	}
	b.mu.Unlock()
	for _, sym := range gone {
		if err := b.st.DeletePosition(ctx, sym); err != nil {
			b.log.Warn("position gc", logger.String("symbol", sym), logger.Error(err))
		}
	}
}

func (b *PositionBook) persist(ctx context.Context, p *models.Position) {
	if err := b.st.SetPosition(ctx, p); err != nil {
		b.log.Error("position write", logger.String("symbol", p.Symbol), logger.Error(err))
	}
}

func (b *PositionBook) publish(p *models.Position) {
	if e, err := bus.NewEnvelope(bus.TopicPositionUpdated, "order-engine", p); err == nil {
		_ = b.eb.Publish(e)
	}
}
