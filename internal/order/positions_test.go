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
	"qbtrade/internal/store"
	"qbtrade/pkg/cache"
	"qbtrade/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func testBook(t *testing.T, cash int64) (*PositionBook, *bus.InProcBus) {
	t.Helper()
	b := bus.New(testLogger(t))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	st := store.New(cache.NewMemoryCache(), 200)
	return NewPositionBook(b, st, decimal.NewFromInt(cash), nil, testLogger(t)), b
}

func buyFill(symbol string, qty, price, commission int64, ts time.Time) *models.Fill {
	return &models.Fill{
		FillID:     "f-" + symbol,
		OrderID:    "o-" + symbol,
		Symbol:     symbol,
		Side:       models.SideBuy,
		Qty:        qty,
		Price:      decimal.NewFromInt(price),
		Commission: decimal.NewFromInt(commission),
		TS:         ts,
	}
}

func sellFill(symbol string, qty, price, commission int64, ts time.Time) *models.Fill {
	f := buyFill(symbol, qty, price, commission, ts)
	f.Side = models.SideSell
	return f
}

func TestBuyFoldsCommissionIntoAvgCost(t *testing.T) {
	book, _ := testBook(t, 10_000_000)
	now := time.Now().UTC()

	book.ApplyFill(context.Background(), buyFill("005930", 10, 75_100, 131, now))

	p := book.Position("005930")
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.Qty)
	// avg cost = (10*75100 + 131) / 10 = 75113.1
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(75_113.1)), "avg cost %s", p.AvgCost)
	assert.True(t, p.AvgCost.Sign() > 0, "held positions always carry positive avg cost")

	// cash dropped by notional plus commission
	assert.True(t, book.Cash().Equal(decimal.NewFromInt(10_000_000-751_000-131)), "cash %s", book.Cash())
}

func TestSecondBuyReweightsAvgCost(t *testing.T) {
	book, _ := testBook(t, 100_000_000)
	now := time.Now().UTC()

	book.ApplyFill(context.Background(), buyFill("005930", 10, 70_000, 0, now))
	book.ApplyFill(context.Background(), buyFill("005930", 10, 80_000, 0, now.Add(time.Second)))

	p := book.Position("005930")
	require.NotNil(t, p)
	assert.Equal(t, int64(20), p.Qty)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromInt(75_000)), "avg cost %s", p.AvgCost)
}

func TestSellRealizesPnLAndKeepsAvgCost(t *testing.T) {
	book, _ := testBook(t, 100_000_000)
	now := time.Now().UTC()

	book.ApplyFill(context.Background(), buyFill("005930", 10, 75_000, 0, now))
	book.ApplyFill(context.Background(), sellFill("005930", 4, 76_000, 100, now.Add(time.Second)))

	p := book.Position("005930")
	require.NotNil(t, p)
	assert.Equal(t, int64(6), p.Qty)
	// realized = (76000-75000)*4 - 100 = 3900
	assert.True(t, p.RealizedPnL.Equal(decimal.NewFromInt(3_900)), "realized %s", p.RealizedPnL)
	assert.True(t, p.AvgCost.Equal(decimal.NewFromInt(75_000)), "avg cost unchanged until flat")
}

func TestRoundTripRealizedPnLIdentity(t *testing.T) {
	book, _ := testBook(t, 100_000_000)
	now := time.Now().UTC()

	book.ApplyFill(context.Background(), buyFill("005930", 10, 75_000, 130, now))
	avgCost := book.Position("005930").AvgCost

	book.ApplyFill(context.Background(), sellFill("005930", 10, 76_000, 1_900, now.Add(time.Minute)))

	p := book.Position("005930")
	require.NotNil(t, p)
	assert.Equal(t, int64(0), p.Qty)
	assert.True(t, p.AvgCost.IsZero(), "avg cost resets when flat")

	// realized equals (sell - then-current avg cost) * qty - sell commission
	want := decimal.NewFromInt(76_000).Sub(avgCost).Mul(decimal.NewFromInt(10)).Sub(decimal.NewFromInt(1_900))
	assert.True(t, p.RealizedPnL.Equal(want), "realized %s want %s", p.RealizedPnL, want)
}

func TestMarkUpdatesUnrealized(t *testing.T) {
	book, eb := testBook(t, 100_000_000)
	now := time.Now().UTC()

	updates := make(chan models.Position, 4)
	_, err := eb.Subscribe(bus.TopicPositionUpdated, "test", func(_ context.Context, e bus.Envelope) {
		var p models.Position
		require.NoError(t, e.Decode(&p))
		updates <- p
	})
	require.NoError(t, err)

	book.ApplyFill(context.Background(), buyFill("005930", 10, 75_000, 0, now))
	book.Mark(context.Background(), "005930", decimal.NewFromInt(76_000))

	p := book.Position("005930")
	require.NotNil(t, p)
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(10_000)), "unrealized %s", p.UnrealizedPnL)

	// both the fill and the mark publish position_updated
	require.Eventually(t, func() bool { return len(updates) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestConsecutiveLossTracking(t *testing.T) {
	book, _ := testBook(t, 100_000_000)
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		sym := string(rune('A' + i))
		book.ApplyFill(context.Background(), buyFill(sym, 10, 75_000, 0, now))
		book.ApplyFill(context.Background(), sellFill(sym, 10, 74_000, 0, now.Add(time.Second)))
	}
	rctx, err := book.RiskContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rctx.ConsecutiveLosses)

	book.ApplyFill(context.Background(), buyFill("WIN", 10, 75_000, 0, now))
	book.ApplyFill(context.Background(), sellFill("WIN", 10, 76_000, 0, now.Add(time.Second)))

	rctx, err = book.RiskContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rctx.ConsecutiveLosses, "a winner resets the streak")
}

func TestRiskContextSnapshot(t *testing.T) {
	book, _ := testBook(t, 10_000_000)
	now := time.Now().UTC()

	book.ApplyFill(context.Background(), buyFill("005930", 10, 75_000, 0, now))
	book.CountOrder(now)

	rctx, err := book.RiskContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rctx.OrdersToday)
	// portfolio = cash + position mark value
	wantCash := decimal.NewFromInt(10_000_000 - 750_000)
	assert.True(t, rctx.Cash.Equal(wantCash))
	assert.True(t, rctx.PortfolioValue.Equal(wantCash.Add(decimal.NewFromInt(750_000))))
	assert.Len(t, rctx.Positions, 1)
}
