package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickSource identifies the adapter that produced a tick.
type TickSource string

const (
	SourceBrokerWS TickSource = "broker_ws"
	SourcePolled   TickSource = "polled"
	SourceReplay   TickSource = "replay"
)

// MarketTick is a normalized market snapshot emitted by an adapter.
// Immutable after creation.
type MarketTick struct {
	Symbol string          `json:"symbol"`
	TS     time.Time       `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Source TickSource      `json:"source"`
}

// HasOHLC reports whether the tick carries a full OHLC set rather than a
// single trade price.
func (t *MarketTick) HasOHLC() bool {
	return !t.Open.IsZero() && !t.High.IsZero() && !t.Low.IsZero()
}

// Candle is an aggregated OHLCV bar. TS is aligned to the interval boundary.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval Interval        `json:"interval"`
	TS       time.Time       `json:"ts"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Valid checks the OHLC ordering invariant.
func (c *Candle) Valid() bool {
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	return c.Volume.Sign() >= 0
}
