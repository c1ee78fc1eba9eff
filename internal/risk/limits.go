// Package risk validates intended orders against the configured policy and
// watches open positions for stop conditions.
package risk

import (
	"github.com/shopspring/decimal"

	"qbtrade/pkg/config"
)

// Limits is the decimal form of the configured risk thresholds.
type Limits struct {
	MaxPositionRatio     decimal.Decimal
	MaxSectorRatio       decimal.Decimal
	MaxTotalExposure     decimal.Decimal
	MinCashReserveRatio  decimal.Decimal
	MaxDailyLoss         decimal.Decimal
	MaxMonthlyLoss       decimal.Decimal
	MaxOrdersPerDay      int
	MaxConsecutiveLosses int
	MinOrderValue        decimal.Decimal
	MaxOrderValue        decimal.Decimal
	StopLossPct          decimal.Decimal
	TakeProfitPct        decimal.Decimal
	TrailingOffsetPct    decimal.Decimal
	BreakEvenPct         decimal.Decimal
	RiskPerTrade         decimal.Decimal
}

// LimitsFromConfig converts the config section into decimal limits.
func LimitsFromConfig(c *config.Config) Limits {
	return Limits{
		MaxPositionRatio:     decimal.NewFromFloat(c.Risk.MaxPositionRatio),
		MaxSectorRatio:       decimal.NewFromFloat(c.Risk.MaxSectorRatio),
		MaxTotalExposure:     decimal.NewFromFloat(c.Risk.MaxTotalExposure),
		MinCashReserveRatio:  decimal.NewFromFloat(c.Risk.MinCashReserveRatio),
		MaxDailyLoss:         decimal.NewFromInt(c.Risk.MaxDailyLoss),
		MaxMonthlyLoss:       decimal.NewFromInt(c.Risk.MaxMonthlyLoss),
		MaxOrdersPerDay:      c.Risk.MaxOrdersPerDay,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
		MinOrderValue:        decimal.NewFromInt(c.Risk.MinOrderValue),
		MaxOrderValue:        decimal.NewFromInt(c.Risk.MaxOrderValue),
		StopLossPct:          decimal.NewFromFloat(c.Risk.StopLossPct),
		TakeProfitPct:        decimal.NewFromFloat(c.Risk.TakeProfitPct),
		TrailingOffsetPct:    decimal.NewFromFloat(c.Risk.TrailingOffsetPct),
		BreakEvenPct:         decimal.NewFromFloat(c.Risk.BreakEvenPct),
		RiskPerTrade:         decimal.NewFromFloat(c.Risk.RiskPerTrade),
	}
}
