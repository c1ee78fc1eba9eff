package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the direction a strategy wants to trade.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	// ActionHoldExit is the forced liquidation at session close.
	ActionHoldExit SignalAction = "HOLD_EXIT"
)

// SignalSourceStopLoss marks signals emitted by the stop-loss monitor.
const SignalSourceStopLoss = "risk.stop_loss"

// IndicatorSnapshot carries the full indicator set for one (symbol, interval)
// bucket. Names absent from Values were below their warm-up window.
type IndicatorSnapshot struct {
	Symbol   string                     `json:"symbol"`
	Interval Interval                   `json:"interval"`
	TS       time.Time                  `json:"ts"`
	Candle   Candle                     `json:"candle"`
	Values   map[string]decimal.Decimal `json:"values"`
}

// Value returns an indicator by name; ok is false while the window is still
// warming up.
func (s *IndicatorSnapshot) Value(name string) (decimal.Decimal, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// TradingSignal is a strategy decision. Confidence is in [0,1].
type TradingSignal struct {
	StrategyName   string            `json:"strategy_name"`
	Symbol         string            `json:"symbol"`
	Action         SignalAction      `json:"action"`
	Confidence     decimal.Decimal   `json:"confidence"`
	SuggestedPrice decimal.Decimal   `json:"suggested_price"`
	Reason         string            `json:"reason"`
	TS             time.Time         `json:"ts"`
	Source         string            `json:"source,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsLiquidation reports whether the signal closes an existing position
// (session-close exit or risk-engine stop).
func (s *TradingSignal) IsLiquidation() bool {
	return s.Action == ActionHoldExit || s.Source == SignalSourceStopLoss
}
