package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/risk"
	"qbtrade/internal/service/broker"
	"qbtrade/internal/store"
	"qbtrade/pkg/cache"
	"qbtrade/pkg/config"
)

type harness struct {
	bus    *bus.InProcBus
	store  *store.Store
	broker *broker.Mock
	book   *PositionBook
	risk   *risk.Engine
	estop  *risk.EmergencyStop
	engine *Engine
	events map[bus.Topic]chan bus.Envelope
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Market.Symbols = []string{"005930", "000660"}
	cfg.Market.RingSize = 200
	cfg.Risk.MaxPositionRatio = 0.10
	cfg.Risk.MaxSectorRatio = 0.30
	cfg.Risk.MaxTotalExposure = 1.0
	cfg.Risk.MinCashReserveRatio = 0
	cfg.Risk.MaxDailyLoss = 500_000
	cfg.Risk.MaxMonthlyLoss = 3_000_000
	cfg.Risk.MaxOrdersPerDay = 50
	cfg.Risk.MaxConsecutiveLosses = 5
	cfg.Risk.MinOrderValue = 10_000
	cfg.Risk.MaxOrderValue = 10_000_000
	cfg.Risk.CheckTimeout = 500 * time.Millisecond
	cfg.Risk.StopLossPct = 0.03
	cfg.Risk.TakeProfitPct = 0.05
	cfg.Risk.RiskPerTrade = 0.01
	cfg.Order.PriorityTimeout = 300 * time.Second
	cfg.Order.MaxConcurrentSubmissions = 10
	cfg.Order.MaxPartialFillTime = 300 * time.Second
	cfg.Order.MaxFillsPerOrder = 100
	cfg.Order.MaxQueueSize = 100
	cfg.Commission.BrokerageRate = 0.00015
	cfg.Commission.MinBrokerageFee = 100
	cfg.Commission.ExchangeRate = 0.000008
	cfg.Commission.ClearingRate = 0.0000154
	cfg.Commission.TxTaxRate = 0.0023
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	log := testLogger(t)

	b := bus.New(log)
	require.NoError(t, b.Start(context.Background()))

	st := store.New(cache.NewMemoryCache(), cfg.Market.RingSize)
	mock := broker.NewMock()
	book := NewPositionBook(b, st, decimal.NewFromInt(10_000_000), nil, log)
	limits := risk.LimitsFromConfig(cfg)
	estop := risk.NewEmergencyStop(b, "tok", log)
	riskEngine := risk.NewEngine(b, book, limits, estop, log)
	require.NoError(t, riskEngine.Serve(context.Background()))

	engine := NewEngine(cfg, b, st, mock, book, NewCommissionCalculator(cfg), risk.NewSizer(limits), nil, log, noopMetrics{})
	require.NoError(t, engine.Start(context.Background()))

	h := &harness{
		bus:    b,
		store:  st,
		broker: mock,
		book:   book,
		risk:   riskEngine,
		estop:  estop,
		engine: engine,
		events: make(map[bus.Topic]chan bus.Envelope),
	}
	for _, topic := range []bus.Topic{
		bus.TopicOrderPlaced,
		bus.TopicOrderPartiallyExecuted,
		bus.TopicOrderFullyExecuted,
		bus.TopicOrderFailed,
		bus.TopicOrderCancelled,
		bus.TopicPositionUpdated,
	} {
		ch := make(chan bus.Envelope, 16)
		topicCh := ch
		_, err := b.Subscribe(topic, "test", func(_ context.Context, e bus.Envelope) {
			topicCh <- e
		})
		require.NoError(t, err)
		h.events[topic] = ch
	}

	t.Cleanup(func() {
		engine.Stop()
		riskEngine.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return h
}

type noopMetrics struct{}

func (noopMetrics) RecordOrderState(string)       {}
func (noopMetrics) RecordFill(string)             {}
func (noopMetrics) RecordQueueDepth(int)          {}
func (noopMetrics) RecordError(string)            {}
func (noopMetrics) RecordLatency(string, float64) {}

func (h *harness) signal(t *testing.T, sig *models.TradingSignal) {
	t.Helper()
	env, err := bus.NewEnvelope(bus.TopicTradingSignal, "test", sig)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(env))
}

func (h *harness) wait(t *testing.T, topic bus.Topic) bus.Envelope {
	t.Helper()
	select {
	case e := <-h.events[topic]:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", topic)
		return bus.Envelope{}
	}
}

func buySignal(symbol string, price int64) *models.TradingSignal {
	return &models.TradingSignal{
		StrategyName:   "ma_1m5m",
		Symbol:         symbol,
		Action:         models.ActionBuy,
		Confidence:     decimal.NewFromFloat(0.8),
		SuggestedPrice: decimal.NewFromInt(price),
		TS:             time.Now().UTC(),
	}
}

func TestHappyBuyFlow(t *testing.T) {
	h := newHarness(t, testConfig())

	h.signal(t, buySignal("005930", 75_100))

	placed := h.wait(t, bus.TopicOrderPlaced)
	var o models.Order
	require.NoError(t, placed.Decode(&o))
	assert.Equal(t, models.SideBuy, o.Side)
	assert.Equal(t, models.TypeLimit, o.Type)
	// sized to 44 by fixed-fractional, adjusted down so notional <= 1,000,000
	assert.Equal(t, int64(13), o.Quantity)
	assert.LessOrEqual(t, o.Quantity*75_100, int64(1_000_000))

	executed := h.wait(t, bus.TopicOrderFullyExecuted)
	require.NoError(t, executed.Decode(&o))
	assert.Equal(t, models.StateFilled, o.State)
	assert.Equal(t, o.Quantity, o.FilledQty)

	h.wait(t, bus.TopicPositionUpdated)
	require.Eventually(t, func() bool {
		p := h.book.Position("005930")
		return p != nil && p.Qty == 13
	}, 2*time.Second, 10*time.Millisecond)

	// avg cost carries the commission: 75100 + commission/13
	p := h.book.Position("005930")
	comm := NewCommissionCalculator(testConfig()).Total(models.SideBuy, decimal.NewFromInt(75_100), 13)
	want := decimal.NewFromInt(75_100).Add(comm.Div(decimal.NewFromInt(13)))
	assert.True(t, p.AvgCost.Sub(want).Abs().LessThan(decimal.NewFromFloat(0.01)),
		"avg cost %s want %s", p.AvgCost, want)

	assert.Equal(t, 1, h.broker.PlaceCount())
}

func TestSellLiquidatesHeldQuantity(t *testing.T) {
	h := newHarness(t, testConfig())

	h.signal(t, buySignal("005930", 75_100))
	h.wait(t, bus.TopicOrderFullyExecuted)
	require.Eventually(t, func() bool {
		p := h.book.Position("005930")
		return p != nil && p.Qty == 13
	}, 2*time.Second, 10*time.Millisecond)

	exit := buySignal("005930", 75_100)
	exit.Action = models.ActionHoldExit
	h.signal(t, exit)

	executed := h.wait(t, bus.TopicOrderFullyExecuted)
	var o models.Order
	require.NoError(t, executed.Decode(&o))
	assert.Equal(t, models.SideSell, o.Side)
	assert.Equal(t, models.TypeMarket, o.Type, "session close exits at market")
	assert.Equal(t, int64(13), o.Quantity)

	require.Eventually(t, func() bool {
		p := h.book.Position("005930")
		return p != nil && p.Qty == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDailyLossLimitRejectsSignal(t *testing.T) {
	h := newHarness(t, testConfig())

	// realize a loss beyond the daily limit: buy then sell far below cost
	now := time.Now().UTC()
	h.book.ApplyFill(context.Background(), &models.Fill{
		FillID: "f1", OrderID: "o1", Symbol: "000660", Side: models.SideBuy,
		Qty: 100, Price: decimal.NewFromInt(80_000), TS: now,
	})
	h.book.ApplyFill(context.Background(), &models.Fill{
		FillID: "f2", OrderID: "o1", Symbol: "000660", Side: models.SideSell,
		Qty: 100, Price: decimal.NewFromInt(74_000), TS: now,
	})

	h.signal(t, buySignal("005930", 75_100))

	failed := h.wait(t, bus.TopicOrderFailed)
	var o models.Order
	require.NoError(t, failed.Decode(&o))
	assert.Equal(t, risk.ReasonDailyLoss, o.FailReason)
	assert.Equal(t, 0, h.broker.PlaceCount())
}

func TestDuplicateInFlightRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.FillDelay = time.Hour // first order stays in flight

	h.signal(t, buySignal("005930", 75_100))
	h.wait(t, bus.TopicOrderPlaced)

	h.signal(t, buySignal("005930", 75_100))
	failed := h.wait(t, bus.TopicOrderFailed)

	var o models.Order
	require.NoError(t, failed.Decode(&o))
	assert.Equal(t, "duplicate_in_flight", o.FailReason)
	assert.Equal(t, 1, h.broker.PlaceCount(), "no second broker call")
}

func TestPartialFillThenCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.PartialQty = 5

	h.signal(t, buySignal("005930", 75_100))

	partial := h.wait(t, bus.TopicOrderPartiallyExecuted)
	var o models.Order
	require.NoError(t, partial.Decode(&o))
	assert.Equal(t, models.StatePartial, o.State)
	assert.Equal(t, int64(5), o.FilledQty)

	// the remainder is cancelled (stall policy exercises the same path)
	require.NoError(t, h.broker.Cancel(context.Background(), o.BrokerOrderID))

	cancelled := h.wait(t, bus.TopicOrderCancelled)
	require.NoError(t, cancelled.Decode(&o))
	assert.Equal(t, models.StateCancelled, o.State)
	assert.Equal(t, int64(5), o.FilledQty, "partial fills survive cancellation")
}

func TestEmergencyStopBlocksSubmission(t *testing.T) {
	h := newHarness(t, testConfig())

	h.estop.Trigger(risk.TriggerManual)
	// the order engine pauses on the emergency_stop event
	require.Eventually(t, func() bool {
		return h.engine.paused.Load()
	}, 2*time.Second, 10*time.Millisecond)

	h.signal(t, buySignal("005930", 75_100))

	failed := h.wait(t, bus.TopicOrderFailed)
	var o models.Order
	require.NoError(t, failed.Decode(&o))
	assert.Equal(t, risk.ReasonEmergencyStop, o.FailReason)
	assert.Equal(t, 0, h.broker.PlaceCount(), "nothing submits while armed")
}

func TestUnknownSymbolRejected(t *testing.T) {
	h := newHarness(t, testConfig())

	h.signal(t, buySignal("999999", 75_100))
	failed := h.wait(t, bus.TopicOrderFailed)
	var o models.Order
	require.NoError(t, failed.Decode(&o))
	assert.Equal(t, models.StateRejected, o.State)
	assert.Equal(t, 0, h.broker.PlaceCount())
}

func TestIdempotentPlaceReusesClientOrderID(t *testing.T) {
	h := newHarness(t, testConfig())

	o := &models.Order{
		ID:       "client-1",
		Symbol:   "005930",
		Side:     models.SideBuy,
		Type:     models.TypeLimit,
		Quantity: 1,
		Price:    decimal.NewFromInt(75_000),
	}
	id1, err := h.broker.Place(context.Background(), o)
	require.NoError(t, err)
	id2, err := h.broker.Place(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same client order id yields one broker order")
	assert.Equal(t, 1, h.broker.PlaceCount())
}
