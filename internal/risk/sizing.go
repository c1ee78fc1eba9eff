package risk

import (
	"github.com/shopspring/decimal"
)

// SizingMode selects the position size recommendation algorithm.
type SizingMode string

const (
	SizeFixedFractional SizingMode = "fixed_fractional"
	SizeVolatility      SizingMode = "volatility"
	SizeKelly           SizingMode = "kelly"
)

// SizingInput carries whatever the chosen mode needs.
type SizingInput struct {
	PortfolioValue decimal.Decimal
	EntryPrice     decimal.Decimal
	StopPrice      decimal.Decimal // fixed fractional
	ATR            decimal.Decimal // volatility mode
	WinRate        decimal.Decimal // kelly: rolling win probability [0,1]
	Payoff         decimal.Decimal // kelly: average win / average loss
}

// Sizer recommends order quantities. It never places orders itself;
// strategies and the order engine ask it on demand.
type Sizer struct {
	limits Limits
}

// NewSizer creates a Sizer over the configured limits.
func NewSizer(limits Limits) *Sizer {
	return &Sizer{limits: limits}
}

// kellyCap bounds the raw Kelly fraction; the conservative quarter-Kelly
// convention applies on top.
var kellyCap = decimal.NewFromFloat(0.25)

// Recommend returns a share quantity for the given mode, zero when the
// inputs cannot support a recommendation.
func (s *Sizer) Recommend(mode SizingMode, in SizingInput) int64 {
	if in.PortfolioValue.Sign() <= 0 || in.EntryPrice.Sign() <= 0 {
		return 0
	}
	switch mode {
	case SizeFixedFractional:
		return s.fixedFractional(in)
	case SizeVolatility:
		return s.volatility(in)
	case SizeKelly:
		return s.kelly(in)
	default:
		return s.fixedFractional(in)
	}
}

// fixedFractional risks portfolio * risk_per_trade between entry and stop.
func (s *Sizer) fixedFractional(in SizingInput) int64 {
	riskBudget := in.PortfolioValue.Mul(s.limits.RiskPerTrade)
	perShare := in.EntryPrice.Sub(in.StopPrice)
	if perShare.Sign() <= 0 {
		// no stop given: fall back to the configured stop percentage
		perShare = in.EntryPrice.Mul(s.limits.StopLossPct)
	}
	if perShare.Sign() <= 0 {
		return 0
	}
	return riskBudget.Div(perShare).IntPart()
}

// volatility sizes inversely to ATR: risk budget over two ATRs of price.
func (s *Sizer) volatility(in SizingInput) int64 {
	if in.ATR.Sign() <= 0 {
		return s.fixedFractional(in)
	}
	riskBudget := in.PortfolioValue.Mul(s.limits.RiskPerTrade)
	perShare := in.ATR.Mul(decimal.NewFromInt(2))
	return riskBudget.Div(perShare).IntPart()
}

// kelly computes the bounded Kelly fraction f = (b·p − q)/b, clamps it to
// [0, 0.25] and allocates a quarter of it.
func (s *Sizer) kelly(in SizingInput) int64 {
	if in.Payoff.Sign() <= 0 {
		return 0
	}
	p := in.WinRate
	q := decimal.NewFromInt(1).Sub(p)
	f := in.Payoff.Mul(p).Sub(q).Div(in.Payoff)
	if f.Sign() <= 0 {
		return 0
	}
	if f.GreaterThan(kellyCap) {
		f = kellyCap
	}
	f = f.Mul(kellyCap) // quarter-Kelly
	budget := in.PortfolioValue.Mul(f)
	return budget.Div(in.EntryPrice).IntPart()
}
