package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/cache"
)

func newStore(ringSize int) *Store {
	return New(cache.NewMemoryCache(), ringSize)
}

func candleAt(symbol string, i int, close int64) *models.Candle {
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)
	return &models.Candle{
		Symbol:   symbol,
		Interval: models.Interval1m,
		TS:       base.Add(time.Duration(i) * time.Minute),
		Open:     decimal.NewFromInt(close),
		High:     decimal.NewFromInt(close),
		Low:      decimal.NewFromInt(close),
		Close:    decimal.NewFromInt(close),
		Volume:   decimal.NewFromInt(1),
	}
}

func TestRingSizeBoundaries(t *testing.T) {
	const n = 5
	st := newStore(n)
	ctx := context.Background()

	// empty ring
	got, err := st.Candles(ctx, "005930", models.Interval1m, n)
	require.NoError(t, err)
	assert.Empty(t, got)
	head, err := st.HeadCandle(ctx, "005930", models.Interval1m)
	require.NoError(t, err)
	assert.Nil(t, head)

	// 1, N-1, N, N+1
	for _, count := range []int{1, n - 1, n, n + 1} {
		st = newStore(n)
		for i := 0; i < count; i++ {
			require.NoError(t, st.PushCandle(ctx, candleAt("005930", i, int64(100+i))))
		}
		ln, err := st.RingLen(ctx, "005930", models.Interval1m)
		require.NoError(t, err)
		want := count
		if want > n {
			want = n
		}
		assert.Equal(t, want, ln, "count=%d", count)

		if count > 0 {
			head, err := st.HeadCandle(ctx, "005930", models.Interval1m)
			require.NoError(t, err)
			require.NotNil(t, head)
			assert.True(t, head.Close.Equal(decimal.NewFromInt(int64(100+count-1))), "newest first")
		}
	}
}

func TestRingEvictsOldestFirst(t *testing.T) {
	st := newStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.PushCandle(ctx, candleAt("005930", i, int64(100+i))))
	}
	candles, err := st.Candles(ctx, "005930", models.Interval1m, 10)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(104)))
	assert.True(t, candles[2].Close.Equal(decimal.NewFromInt(102)), "100 and 101 evicted")
}

func TestLatestTickRoundTrip(t *testing.T) {
	st := newStore(10)
	ctx := context.Background()

	tick := &models.MarketTick{
		Symbol: "005930",
		TS:     time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC),
		Close:  decimal.NewFromInt(75_000),
		Volume: decimal.NewFromInt(10),
		Source: models.SourceBrokerWS,
	}
	require.NoError(t, st.SetLatestTick(ctx, tick))

	got, err := st.LatestTick(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, tick.Symbol, got.Symbol)
	assert.True(t, got.Close.Equal(tick.Close))
	assert.True(t, got.TS.Equal(tick.TS))
}

func TestPositionsKeyspace(t *testing.T) {
	st := newStore(10)
	ctx := context.Background()

	p := &models.Position{
		Symbol:  "005930",
		Qty:     10,
		AvgCost: decimal.NewFromInt(75_000),
	}
	require.NoError(t, st.SetPosition(ctx, p))

	got, err := st.Position(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Qty)

	require.NoError(t, st.DeletePosition(ctx, "005930"))
	_, err = st.Position(ctx, "005930")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestPendingOrderMirror(t *testing.T) {
	st := newStore(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		o := &models.Order{
			ID:       fmt.Sprintf("o-%d", i),
			Symbol:   "005930",
			Side:     models.SideBuy,
			Type:     models.TypeLimit,
			Quantity: 1,
			Price:    decimal.NewFromInt(75_000),
			State:    models.StateQueued,
		}
		require.NoError(t, st.MirrorPendingOrder(ctx, o))
	}

	pending, err := st.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, st.RemovePendingOrder(ctx, "o-1"))
	pending, err = st.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, o := range pending {
		assert.NotEqual(t, "o-1", o.ID)
	}

	// removing everything leaves an empty mirror, not an error
	require.NoError(t, st.RemovePendingOrder(ctx, "o-0"))
	require.NoError(t, st.RemovePendingOrder(ctx, "o-2"))
	pending, err = st.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIndicatorKeyspace(t *testing.T) {
	st := newStore(10)
	ctx := context.Background()

	snap := &models.IndicatorSnapshot{
		Symbol:   "005930",
		Interval: models.Interval1m,
		TS:       time.Now().UTC(),
		Values: map[string]decimal.Decimal{
			"sma_5":  decimal.NewFromInt(75_000),
			"rsi_14": decimal.NewFromFloat(63.5),
		},
	}
	require.NoError(t, st.SetIndicators(ctx, snap))

	vals, err := st.Indicators(ctx, "005930", models.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, "75000", vals["sma_5"])
	assert.Equal(t, "63.5", vals["rsi_14"])
}

func TestOrderbookLevels(t *testing.T) {
	st := newStore(10)
	ctx := context.Background()

	require.NoError(t, st.SetOrderbookLevel(ctx, "005930", true, "74900", "100"))
	require.NoError(t, st.SetOrderbookLevel(ctx, "005930", true, "75000", "50"))
	require.NoError(t, st.SetOrderbookLevel(ctx, "005930", false, "75100", "70"))

	bids, err := st.OrderbookLevels(ctx, "005930", true, 10)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Contains(t, bids[0], "75000", "best bid first")

	asks, err := st.OrderbookLevels(ctx, "005930", false, 10)
	require.NoError(t, err)
	require.Len(t, asks, 1)
}
