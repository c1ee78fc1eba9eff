package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the trade direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// TimeInForce restricts how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
)

// OrderState is the order lifecycle state.
type OrderState string

const (
	StateNew       OrderState = "NEW"
	StateQueued    OrderState = "QUEUED"
	StateSubmitted OrderState = "SUBMITTED"
	StatePartial   OrderState = "PARTIAL"
	StateFilled    OrderState = "FILLED"
	StateCancelled OrderState = "CANCELLED"
	StateRejected  OrderState = "REJECTED"
	StateFailed    OrderState = "FAILED"
)

// IsTerminal reports whether no further state transitions are allowed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// validTransitions encodes the order state machine.
var validTransitions = map[OrderState][]OrderState{
	StateNew:       {StateQueued, StateRejected, StateFailed},
	StateQueued:    {StateSubmitted, StateCancelled, StateFailed},
	StateSubmitted: {StatePartial, StateFilled, StateCancelled, StateRejected, StateFailed},
	StatePartial:   {StatePartial, StateFilled, StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the canonical order record, owned by the order engine.
type Order struct {
	ID            string          `json:"id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TIF           TimeInForce     `json:"tif"`
	State         OrderState      `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Commission    decimal.Decimal `json:"commission_paid"`
	FailReason    string          `json:"fail_reason,omitempty"`
	StrategyName  string          `json:"strategy_name"`
	CreatedTS     time.Time       `json:"created_ts"`
	UpdatedTS     time.Time       `json:"updated_ts"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.FilledQty }

// Notional returns price * quantity for a priced order.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Fill is a single execution report. Immutable.
type Fill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Qty        int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	TS         time.Time       `json:"ts"`
}

// Position tracks holdings for one symbol, owned by the order engine.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastMarkPrice decimal.Decimal `json:"last_mark_price"`
	EntryTS       time.Time       `json:"entry_ts"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// MarketValue returns qty * last mark price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.LastMarkPrice.Mul(decimal.NewFromInt(p.Qty))
}
