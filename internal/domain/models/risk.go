package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskDecision is the outcome of a synchronous risk check.
type RiskDecision string

const (
	RiskApprove RiskDecision = "APPROVE"
	RiskAdjust  RiskDecision = "ADJUST"
	RiskReject  RiskDecision = "REJECT"
)

// RiskCheckRequest is the payload of a risk_check request envelope.
type RiskCheckRequest struct {
	Order  Order         `json:"order"`
	Signal TradingSignal `json:"signal"`
}

// RiskCheckResult is the reply to a risk_check request.
type RiskCheckResult struct {
	Decision    RiskDecision `json:"decision"`
	AdjustedQty int64        `json:"adjusted_quantity,omitempty"`
	Reasons     []string     `json:"reasons,omitempty"`
}

// Approved reports whether the order may proceed (possibly adjusted).
func (r *RiskCheckResult) Approved() bool { return r.Decision != RiskReject }

// RiskContext is the portfolio snapshot a risk decision is made against.
type RiskContext struct {
	PortfolioValue    decimal.Decimal            `json:"portfolio_value"`
	Cash              decimal.Decimal            `json:"cash"`
	RealizedPnLToday  decimal.Decimal            `json:"realized_pnl_today"`
	RealizedPnLMonth  decimal.Decimal            `json:"realized_pnl_month"`
	OpenOrderValue    decimal.Decimal            `json:"open_order_value"`
	OrdersToday       int                        `json:"orders_today"`
	ConsecutiveLosses int                        `json:"consecutive_losses"`
	Positions         map[string]Position        `json:"positions"`
	Sectors           map[string]string          `json:"sectors,omitempty"`
	Marks             map[string]decimal.Decimal `json:"marks,omitempty"`
	AsOf              time.Time                  `json:"as_of"`
}

// PositionNotional returns the mark value of a held symbol, zero when flat.
func (c *RiskContext) PositionNotional(symbol string) decimal.Decimal {
	p, ok := c.Positions[symbol]
	if !ok {
		return decimal.Zero
	}
	return p.MarketValue()
}

// GrossExposure sums the absolute mark value of all positions.
func (c *RiskContext) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.Positions {
		total = total.Add(p.MarketValue().Abs())
	}
	return total
}

// RiskAlert is published when a monitored metric crosses a threshold.
type RiskAlert struct {
	Severity string          `json:"severity"`
	Metric   string          `json:"metric"`
	Value    decimal.Decimal `json:"value"`
	Limit    decimal.Decimal `json:"limit"`
	Message  string          `json:"message"`
	TS       time.Time       `json:"ts"`
}

// EmergencyStopEvent is published when the emergency stop arms or resets.
type EmergencyStopEvent struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason"`
	Triggered time.Time `json:"triggered"`
	Manual    bool      `json:"manual"`
}
