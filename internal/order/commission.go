// Package order converts trading signals into broker orders and owns the
// canonical order, fill and position records.
package order

import (
	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/config"
)

// CommissionCalculator applies the Korean equity fee schedule: brokerage
// fee with a floor, exchange and clearing fees on both sides, transaction
// and rural special tax on sells. All arithmetic is decimal; the total is
// bankers-rounded to the won.
type CommissionCalculator struct {
	brokerageRate   decimal.Decimal
	minBrokerageFee decimal.Decimal
	exchangeRate    decimal.Decimal
	clearingRate    decimal.Decimal
	txTaxRate       decimal.Decimal
	ruralTaxRate    decimal.Decimal
}

// NewCommissionCalculator builds a calculator from the configured rates.
func NewCommissionCalculator(c *config.Config) *CommissionCalculator {
	return &CommissionCalculator{
		brokerageRate:   decimal.NewFromFloat(c.Commission.BrokerageRate),
		minBrokerageFee: decimal.NewFromInt(c.Commission.MinBrokerageFee),
		exchangeRate:    decimal.NewFromFloat(c.Commission.ExchangeRate),
		clearingRate:    decimal.NewFromFloat(c.Commission.ClearingRate),
		txTaxRate:       decimal.NewFromFloat(c.Commission.TxTaxRate),
		ruralTaxRate:    decimal.NewFromFloat(c.Commission.RuralTaxRate),
	}
}

// Breakdown itemizes the commission on one fill.
type Breakdown struct {
	Brokerage decimal.Decimal `json:"brokerage"`
	Exchange  decimal.Decimal `json:"exchange"`
	Clearing  decimal.Decimal `json:"clearing"`
	TxTax     decimal.Decimal `json:"tx_tax"`
	RuralTax  decimal.Decimal `json:"rural_tax"`
	Total     decimal.Decimal `json:"total"`
}

// Calculate returns the commission breakdown for a fill of qty at price.
func (c *CommissionCalculator) Calculate(side models.OrderSide, price decimal.Decimal, qty int64) Breakdown {
	notional := price.Mul(decimal.NewFromInt(qty))

	b := Breakdown{
		Brokerage: decimal.Max(notional.Mul(c.brokerageRate), c.minBrokerageFee),
		Exchange:  notional.Mul(c.exchangeRate),
		Clearing:  notional.Mul(c.clearingRate),
	}
	if side == models.SideSell {
		b.TxTax = notional.Mul(c.txTaxRate)
		b.RuralTax = notional.Mul(c.ruralTaxRate)
	}
	b.Total = b.Brokerage.Add(b.Exchange).Add(b.Clearing).Add(b.TxTax).Add(b.RuralTax).RoundBank(0)
	return b
}

// Total is the rounded commission for a fill.
func (c *CommissionCalculator) Total(side models.OrderSide, price decimal.Decimal, qty int64) decimal.Decimal {
	return c.Calculate(side, price, qty).Total
}
