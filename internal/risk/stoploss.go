package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// StopLossMonitor watches marks against open positions and emits liquidation
// signals. Three modes stack: fixed stop/take, trailing stop off the highest
// mark since entry, and break-even once profit clears a threshold.
type StopLossMonitor struct {
	eb     bus.Bus
	limits Limits
	log    *logger.Logger

	mu        sync.Mutex
	positions map[string]*watchedPosition
	subs      []bus.Subscription
}

type watchedPosition struct {
	pos       models.Position
	highWater decimal.Decimal
	breakEven bool
}

// NewStopLossMonitor creates the monitor.
func NewStopLossMonitor(eb bus.Bus, limits Limits, log *logger.Logger) *StopLossMonitor {
	return &StopLossMonitor{
		eb:        eb,
		limits:    limits,
		log:       log,
		positions: make(map[string]*watchedPosition),
	}
}

// Start subscribes to position and market updates.
func (m *StopLossMonitor) Start(ctx context.Context) error {
	posSub, err := m.eb.Subscribe(bus.TopicPositionUpdated, "stoploss-monitor", func(_ context.Context, e bus.Envelope) {
		var p models.Position
		if err := e.Decode(&p); err != nil {
			m.log.Error("position decode", logger.Error(err))
			return
		}
		m.onPosition(&p)
	})
	if err != nil {
		return fmt.Errorf("stoploss subscribe positions: %w", err)
	}
	tickSub, err := m.eb.Subscribe(bus.TopicMarketDataReceived, "stoploss-monitor", func(_ context.Context, e bus.Envelope) {
		var t models.MarketTick
		if err := e.Decode(&t); err != nil {
			return
		}
		m.onMark(t.Symbol, t.Close)
	})
	if err != nil {
		posSub.Unsubscribe()
		return fmt.Errorf("stoploss subscribe ticks: %w", err)
	}
	m.subs = []bus.Subscription{posSub, tickSub}
	return nil
}

// Stop detaches from the bus.
func (m *StopLossMonitor) Stop() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.subs = nil
}

func (m *StopLossMonitor) onPosition(p *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Qty <= 0 {
		delete(m.positions, p.Symbol)
		return
	}
	w, ok := m.positions[p.Symbol]
	if !ok {
		m.positions[p.Symbol] = &watchedPosition{pos: *p, highWater: p.AvgCost}
		return
	}
	w.pos = *p
	if w.highWater.LessThan(p.AvgCost) {
		w.highWater = p.AvgCost
	}
}

// onMark evaluates stop conditions for one symbol at the new mark price.
func (m *StopLossMonitor) onMark(symbol string, mark decimal.Decimal) {
	m.mu.Lock()
	w, ok := m.positions[symbol]
	if !ok || mark.Sign() <= 0 {
		m.mu.Unlock()
		return
	}
	if mark.GreaterThan(w.highWater) {
		w.highWater = mark
	}
	entry := w.pos.AvgCost
	one := decimal.NewFromInt(1)

	// break-even: once profit clears the threshold, the stop moves to entry
	if !w.breakEven && m.limits.BreakEvenPct.Sign() > 0 &&
		mark.GreaterThanOrEqual(entry.Mul(one.Add(m.limits.BreakEvenPct))) {
		w.breakEven = true
	}

	var reason string
	switch {
	case m.limits.TakeProfitPct.Sign() > 0 && mark.GreaterThanOrEqual(entry.Mul(one.Add(m.limits.TakeProfitPct))):
		reason = "take_profit"
	case w.breakEven && mark.LessThanOrEqual(entry):
		reason = "break_even_stop"
	case m.limits.TrailingOffsetPct.Sign() > 0 && mark.LessThanOrEqual(w.highWater.Mul(one.Sub(m.limits.TrailingOffsetPct))):
		reason = "trailing_stop"
	case m.limits.StopLossPct.Sign() > 0 && mark.LessThanOrEqual(entry.Mul(one.Sub(m.limits.StopLossPct))):
		reason = "stop_loss"
	default:
		m.mu.Unlock()
		return
	}

	qty := w.pos.Qty
	delete(m.positions, symbol) // one liquidation per trigger
	m.mu.Unlock()

	m.emit(symbol, mark, qty, reason)
}

// emit publishes a market SELL for the held quantity. The signal runs the
// synchronous risk check like any other.
func (m *StopLossMonitor) emit(symbol string, mark decimal.Decimal, qty int64, reason string) {
	sig := models.TradingSignal{
		StrategyName:   "risk_monitor",
		Symbol:         symbol,
		Action:         models.ActionSell,
		Confidence:     decimal.NewFromInt(1),
		SuggestedPrice: mark,
		Reason:         reason,
		TS:             time.Now().UTC(),
		Source:         models.SignalSourceStopLoss,
		Metadata:       map[string]string{"qty": fmt.Sprintf("%d", qty)},
	}
	e, err := bus.NewEnvelope(bus.TopicTradingSignal, "risk-engine", &sig)
	if err != nil {
		return
	}
	if err := m.eb.Publish(e); err != nil {
		m.log.Error("stop signal publish", logger.String("symbol", symbol), logger.Error(err))
		return
	}
	m.log.Info("stop triggered",
		logger.String("symbol", symbol),
		logger.String("reason", reason),
		logger.String("mark", mark.String()),
	)
}
