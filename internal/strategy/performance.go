package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/util"
)

// PerformanceTracker pairs emitted signals with subsequent fills and derives
// per-strategy statistics on demand. It sits off the hot path: recording is
// a map append, derivation happens at query time.
type PerformanceTracker struct {
	mu      sync.RWMutex
	signals map[string][]models.TradingSignal
	trades  map[string][]closedTrade
}

type closedTrade struct {
	symbol string
	pnl    decimal.Decimal
	ts     time.Time
}

// Stats is the derived per-strategy performance summary.
type Stats struct {
	Signals     int             `json:"signals"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	WinRate     decimal.Decimal `json:"win_rate"`
	TotalReturn decimal.Decimal `json:"total_return"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	Sharpe      decimal.Decimal `json:"sharpe"`
}

// NewPerformanceTracker creates an empty tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		signals: make(map[string][]models.TradingSignal),
		trades:  make(map[string][]closedTrade),
	}
}

// RecordSignal notes an emitted signal.
func (p *PerformanceTracker) RecordSignal(sig *models.TradingSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals[sig.StrategyName] = append(p.signals[sig.StrategyName], *sig)
}

// RecordTrade notes a realized round-trip result for a strategy.
func (p *PerformanceTracker) RecordTrade(strategy, symbol string, pnl decimal.Decimal, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades[strategy] = append(p.trades[strategy], closedTrade{symbol: symbol, pnl: pnl, ts: ts})
}

// Stats derives the summary for one strategy.
func (p *PerformanceTracker) Stats(strategy string) Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trades := p.trades[strategy]
	st := Stats{
		Signals: len(p.signals[strategy]),
		Trades:  len(trades),
		WinRate: decimal.Zero,
	}
	if len(trades) == 0 {
		return st
	}

	equity := decimal.Zero
	peak := decimal.Zero
	for _, t := range trades {
		if t.pnl.Sign() > 0 {
			st.Wins++
		}
		st.TotalReturn = st.TotalReturn.Add(t.pnl)
		equity = equity.Add(t.pnl)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		dd := peak.Sub(equity)
		if dd.GreaterThan(st.MaxDrawdown) {
			st.MaxDrawdown = dd
		}
	}
	st.WinRate = decimal.NewFromInt(int64(st.Wins)).Div(decimal.NewFromInt(int64(len(trades))))
	st.Sharpe = p.sharpe(trades)
	return st
}

// sharpe computes the annualized Sharpe ratio from daily P&L aggregates.
// Must be called with the read lock held.
func (p *PerformanceTracker) sharpe(trades []closedTrade) decimal.Decimal {
	daily := make(map[time.Time]decimal.Decimal)
	for _, t := range trades {
		day := util.KSTDayStartUTC(t.ts)
		daily[day] = daily[day].Add(t.pnl)
	}
	if len(daily) < 2 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(len(daily)))
	mean := decimal.Zero
	for _, v := range daily {
		mean = mean.Add(v)
	}
	mean = mean.Div(n)

	variance := decimal.Zero
	for _, v := range daily {
		d := v.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)
	if variance.IsZero() {
		return decimal.Zero
	}
	sd := sqrtDecimal(variance)
	if sd.IsZero() {
		return decimal.Zero
	}
	// annualize over ~252 trading days
	return mean.Div(sd).Mul(sqrtDecimal(decimal.NewFromInt(252)))
}

func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	guess := v.Div(two)
	if guess.IsZero() {
		return decimal.Zero
	}
	for i := 0; i < 24; i++ {
		next := guess.Add(v.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -10)) {
			return next
		}
		guess = next
	}
	return guess
}

// FillEvent carries one realized trade result attributed to a strategy. The
// order engine does not publish it; it records trades through RecordTrade.
type FillEvent struct {
	Strategy string          `json:"strategy"`
	Symbol   string          `json:"symbol"`
	PnL      decimal.Decimal `json:"pnl"`
	TS       time.Time       `json:"ts"`
}
