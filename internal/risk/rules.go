package risk

import (
	"qbtrade/internal/domain/models"
)

// Stable rule reason strings, surfaced in order_failed events.
const (
	ReasonPositionSize       = "position_size_limit"
	ReasonSectorExposure     = "sector_exposure_limit"
	ReasonDailyLoss          = "daily_loss_limit"
	ReasonMonthlyLoss        = "monthly_loss_limit"
	ReasonCashReserve        = "cash_reserve"
	ReasonTradeFrequency     = "trade_frequency_limit"
	ReasonConsecutiveLoss    = "consecutive_loss_limit"
	ReasonTotalExposure      = "total_exposure_limit"
	ReasonOrderValueBounds   = "order_value_bounds"
	ReasonEmergencyStop      = "emergency_stop"
	ReasonContextUnavailable = "context_unavailable"
)

// outcome is one rule's verdict. decision APPROVE with no reason passes to
// the next rule.
type outcome struct {
	decision    models.RiskDecision
	adjustedQty int64
	reason      string
}

var approve = outcome{decision: models.RiskApprove}

// rule evaluates one policy against an intended order. Rules never panic;
// they return a tagged outcome.
type rule struct {
	name string
	eval func(req *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome
}

// orderedRules returns the policy chain in its mandated order. The first
// reject decides; an adjusted order continues down the chain.
func orderedRules(es *EmergencyStop) []rule {
	return []rule{
		{name: "PositionSize", eval: evalPositionSize},
		{name: "SectorExposure", eval: evalSectorExposure},
		{name: "DailyLoss", eval: evalDailyLoss},
		{name: "MonthlyLoss", eval: evalMonthlyLoss},
		{name: "CashReserve", eval: evalCashReserve},
		{name: "TradeFrequency", eval: evalTradeFrequency},
		{name: "ConsecutiveLoss", eval: evalConsecutiveLoss},
		{name: "TotalExposure", eval: evalTotalExposure},
		{name: "OrderValueBounds", eval: evalOrderValueBounds},
		{name: "EmergencyStop", eval: es.evalRule},
	}
}

// evalPositionSize caps a buy so the symbol's notional stays at or below
// max_position_ratio of portfolio value (inclusive). Quantity is adjusted
// downward; below one share the order is rejected.
func evalPositionSize(req *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if req.Order.Side != models.SideBuy {
		return approve
	}
	if rctx.PortfolioValue.Sign() <= 0 || req.Order.Price.Sign() <= 0 {
		return outcome{decision: models.RiskReject, reason: ReasonContextUnavailable}
	}
	existing := rctx.PositionNotional(req.Order.Symbol)
	intended := req.Order.Notional()
	maxAllowed := rctx.PortfolioValue.Mul(lim.MaxPositionRatio)

	if existing.Add(intended).LessThanOrEqual(maxAllowed) {
		return approve
	}
	headroom := maxAllowed.Sub(existing)
	if headroom.Sign() <= 0 {
		return outcome{decision: models.RiskReject, reason: ReasonPositionSize}
	}
	adjusted := headroom.Div(req.Order.Price).IntPart()
	if adjusted < 1 {
		return outcome{decision: models.RiskReject, reason: ReasonPositionSize}
	}
	return outcome{decision: models.RiskAdjust, adjustedQty: adjusted, reason: ReasonPositionSize}
}

// evalSectorExposure bounds the summed notional of the order's sector.
func evalSectorExposure(req *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if req.Order.Side != models.SideBuy || len(rctx.Sectors) == 0 {
		return approve
	}
	sector, ok := rctx.Sectors[req.Order.Symbol]
	if !ok {
		return approve
	}
	exposure := req.Order.Notional()
	for sym, pos := range rctx.Positions {
		if rctx.Sectors[sym] == sector {
			exposure = exposure.Add(pos.MarketValue())
		}
	}
	if exposure.GreaterThan(rctx.PortfolioValue.Mul(lim.MaxSectorRatio)) {
		return outcome{decision: models.RiskReject, reason: ReasonSectorExposure}
	}
	return approve
}

// evalDailyLoss requires realized P&L today strictly above the negative
// daily limit.
func evalDailyLoss(_ *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if rctx.RealizedPnLToday.GreaterThan(lim.MaxDailyLoss.Neg()) {
		return approve
	}
	return outcome{decision: models.RiskReject, reason: ReasonDailyLoss}
}

// evalMonthlyLoss is the monthly analogue of the daily rule.
func evalMonthlyLoss(_ *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if rctx.RealizedPnLMonth.GreaterThan(lim.MaxMonthlyLoss.Neg()) {
		return approve
	}
	return outcome{decision: models.RiskReject, reason: ReasonMonthlyLoss}
}

// evalCashReserve keeps cash after the order above the configured reserve.
// A buy that can shrink to fit is adjusted rather than rejected.
func evalCashReserve(req *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if req.Order.Side != models.SideBuy {
		return approve
	}
	reserve := rctx.PortfolioValue.Mul(lim.MinCashReserveRatio)
	available := rctx.Cash.Sub(reserve)
	if available.Sign() <= 0 {
		return outcome{decision: models.RiskReject, reason: ReasonCashReserve}
	}
	if req.Order.Notional().LessThanOrEqual(available) {
		return approve
	}
	if req.Order.Price.Sign() <= 0 {
		return outcome{decision: models.RiskReject, reason: ReasonContextUnavailable}
	}
	adjusted := available.Div(req.Order.Price).IntPart()
	if adjusted < 1 {
		return outcome{decision: models.RiskReject, reason: ReasonCashReserve}
	}
	return outcome{decision: models.RiskAdjust, adjustedQty: adjusted, reason: ReasonCashReserve}
}

// evalTradeFrequency bounds orders per day.
func evalTradeFrequency(_ *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if lim.MaxOrdersPerDay <= 0 || rctx.OrdersToday < lim.MaxOrdersPerDay {
		return approve
	}
	return outcome{decision: models.RiskReject, reason: ReasonTradeFrequency}
}

// evalConsecutiveLoss halts entries after a losing streak.
func evalConsecutiveLoss(_ *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if lim.MaxConsecutiveLosses <= 0 || rctx.ConsecutiveLosses < lim.MaxConsecutiveLosses {
		return approve
	}
	return outcome{decision: models.RiskReject, reason: ReasonConsecutiveLoss}
}

// evalTotalExposure bounds gross exposure including the intended order.
func evalTotalExposure(req *models.RiskCheckRequest, rctx *models.RiskContext, lim Limits) outcome {
	if req.Order.Side != models.SideBuy {
		return approve
	}
	if rctx.PortfolioValue.Sign() <= 0 {
		return outcome{decision: models.RiskReject, reason: ReasonContextUnavailable}
	}
	total := rctx.GrossExposure().Add(rctx.OpenOrderValue).Add(req.Order.Notional())
	if total.Div(rctx.PortfolioValue).LessThanOrEqual(lim.MaxTotalExposure) {
		return approve
	}
	return outcome{decision: models.RiskReject, reason: ReasonTotalExposure}
}

// evalOrderValueBounds keeps the notional inside [min, max].
func evalOrderValueBounds(req *models.RiskCheckRequest, _ *models.RiskContext, lim Limits) outcome {
	notional := req.Order.Notional()
	if lim.MinOrderValue.Sign() > 0 && notional.LessThan(lim.MinOrderValue) {
		return outcome{decision: models.RiskReject, reason: ReasonOrderValueBounds}
	}
	if lim.MaxOrderValue.Sign() > 0 && notional.GreaterThan(lim.MaxOrderValue) {
		return outcome{decision: models.RiskReject, reason: ReasonOrderValueBounds}
	}
	return approve
}
