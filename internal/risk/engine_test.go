package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func testLimits() Limits {
	return Limits{
		MaxPositionRatio:     decimal.NewFromFloat(0.10),
		MaxSectorRatio:       decimal.NewFromFloat(0.30),
		MaxTotalExposure:     decimal.NewFromFloat(1.0),
		MinCashReserveRatio:  decimal.NewFromFloat(0.10),
		MaxDailyLoss:         decimal.NewFromInt(500_000),
		MaxMonthlyLoss:       decimal.NewFromInt(3_000_000),
		MaxOrdersPerDay:      50,
		MaxConsecutiveLosses: 5,
		MinOrderValue:        decimal.NewFromInt(10_000),
		MaxOrderValue:        decimal.NewFromInt(10_000_000),
		StopLossPct:          decimal.NewFromFloat(0.03),
		TakeProfitPct:        decimal.NewFromFloat(0.05),
		TrailingOffsetPct:    decimal.NewFromFloat(0.02),
		BreakEvenPct:         decimal.NewFromFloat(0.02),
		RiskPerTrade:         decimal.NewFromFloat(0.01),
	}
}

type stubProvider struct {
	rctx *models.RiskContext
	err  error
}

func (s *stubProvider) RiskContext(context.Context) (*models.RiskContext, error) {
	return s.rctx, s.err
}

func flatContext(cash int64) *models.RiskContext {
	return &models.RiskContext{
		PortfolioValue: decimal.NewFromInt(cash),
		Cash:           decimal.NewFromInt(cash),
		Positions:      map[string]models.Position{},
		AsOf:           time.Now().UTC(),
	}
}

func buyRequest(symbol string, price, qty int64) *models.RiskCheckRequest {
	return &models.RiskCheckRequest{
		Order: models.Order{
			ID:       "o-1",
			Symbol:   symbol,
			Side:     models.SideBuy,
			Type:     models.TypeLimit,
			Quantity: qty,
			Price:    decimal.NewFromInt(price),
			State:    models.StateNew,
		},
		Signal: models.TradingSignal{Symbol: symbol, Action: models.ActionBuy},
	}
}

func newEngine(t *testing.T, provider ContextProvider) (*Engine, *EmergencyStop) {
	t.Helper()
	b := bus.New(testLogger(t))
	es := NewEmergencyStop(b, "secret-token", testLogger(t))
	return NewEngine(b, provider, testLimits(), es, testLogger(t)), es
}

func TestRiskApproveCleanBuy(t *testing.T) {
	e, _ := newEngine(t, &stubProvider{rctx: flatContext(10_000_000)})

	// 6 shares at 75,000 = 450,000 won, well inside every limit
	res := e.Check(context.Background(), buyRequest("005930", 75_000, 6))
	assert.Equal(t, models.RiskApprove, res.Decision)
}

func TestRiskPositionSizeAdjusts(t *testing.T) {
	// portfolio 10,000,000, cap 10% -> 1,000,000; order 750,000 at 7.5% with
	// a tighter 5% cap must shrink to 6 shares (450,000 <= 500,000)
	e, _ := newEngine(t, &stubProvider{rctx: flatContext(10_000_000)})
	e.limits.MaxPositionRatio = decimal.NewFromFloat(0.05)

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 10))
	assert.Equal(t, models.RiskAdjust, res.Decision)
	assert.Equal(t, int64(6), res.AdjustedQty)
	assert.Contains(t, res.Reasons, ReasonPositionSize)
}

func TestRiskPositionSizeCapInclusive(t *testing.T) {
	// exactly at the cap approves: 10% of 10,000,000 = 1,000,000
	e, _ := newEngine(t, &stubProvider{rctx: flatContext(10_000_000)})
	e.limits.MinCashReserveRatio = decimal.Zero

	res := e.Check(context.Background(), buyRequest("005930", 100_000, 10))
	assert.Equal(t, models.RiskApprove, res.Decision)
}

func TestRiskDailyLossRejects(t *testing.T) {
	rctx := flatContext(10_000_000)
	rctx.RealizedPnLToday = decimal.NewFromInt(-500_001)
	e, _ := newEngine(t, &stubProvider{rctx: rctx})

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonDailyLoss)
}

func TestRiskDailyLossBoundaryIsStrict(t *testing.T) {
	// exactly at the negative limit rejects; one won above passes
	rctx := flatContext(10_000_000)
	rctx.RealizedPnLToday = decimal.NewFromInt(-500_000)
	e, _ := newEngine(t, &stubProvider{rctx: rctx})
	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)

	rctx.RealizedPnLToday = decimal.NewFromInt(-499_999)
	res = e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskApprove, res.Decision)
}

func TestRiskTradeFrequency(t *testing.T) {
	rctx := flatContext(10_000_000)
	rctx.OrdersToday = 50
	e, _ := newEngine(t, &stubProvider{rctx: rctx})

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonTradeFrequency)
}

func TestRiskConsecutiveLosses(t *testing.T) {
	rctx := flatContext(10_000_000)
	rctx.ConsecutiveLosses = 5
	e, _ := newEngine(t, &stubProvider{rctx: rctx})

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonConsecutiveLoss)
}

func TestRiskOrderValueBounds(t *testing.T) {
	e, _ := newEngine(t, &stubProvider{rctx: flatContext(100_000_000)})

	res := e.Check(context.Background(), buyRequest("005930", 5_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonOrderValueBounds)
}

func TestRiskEmergencyStopRejectsEverything(t *testing.T) {
	e, es := newEngine(t, &stubProvider{rctx: flatContext(10_000_000)})
	es.Trigger(TriggerManual)

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonEmergencyStop)
}

func TestRiskContextUnavailableRejects(t *testing.T) {
	e, _ := newEngine(t, &stubProvider{err: errors.New("redis down")})

	res := e.Check(context.Background(), buyRequest("005930", 75_000, 1))
	assert.Equal(t, models.RiskReject, res.Decision)
	assert.Contains(t, res.Reasons, ReasonContextUnavailable)
}

func TestRiskSellSkipsBuyRules(t *testing.T) {
	rctx := flatContext(10_000_000)
	rctx.Positions["005930"] = models.Position{
		Symbol:        "005930",
		Qty:           100,
		AvgCost:       decimal.NewFromInt(75_000),
		LastMarkPrice: decimal.NewFromInt(75_000),
	}
	e, _ := newEngine(t, &stubProvider{rctx: rctx})

	req := buyRequest("005930", 75_000, 100)
	req.Order.Side = models.SideSell
	req.Signal.Action = models.ActionSell
	res := e.Check(context.Background(), req)
	assert.Equal(t, models.RiskApprove, res.Decision)
}

func TestEmergencyStopResetRequiresToken(t *testing.T) {
	_, es := newEngine(t, &stubProvider{rctx: flatContext(1)})
	es.Trigger(TriggerDailyLoss)
	require.True(t, es.Active())

	assert.ErrorIs(t, es.Reset("wrong"), ErrBadResetToken)
	assert.True(t, es.Active())

	require.NoError(t, es.Reset("secret-token"))
	assert.False(t, es.Active())
}

func TestRiskCheckServedOverBus(t *testing.T) {
	b := bus.New(testLogger(t))
	require.NoError(t, b.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	}()

	es := NewEmergencyStop(b, "tok", testLogger(t))
	e := NewEngine(b, &stubProvider{rctx: flatContext(10_000_000)}, testLimits(), es, testLogger(t))
	require.NoError(t, e.Serve(context.Background()))
	defer e.Stop()

	req := buyRequest("005930", 75_000, 6)
	env, err := bus.NewEnvelope(bus.TopicRiskCheck, "test", req)
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), env)
	require.NoError(t, err)

	var result models.RiskCheckResult
	require.NoError(t, resp.Decode(&result))
	assert.Equal(t, models.RiskApprove, result.Decision)
}
