package analysis

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

func seedRing(t *testing.T, st *store.Store, symbol string, closes []int64) *models.Candle {
	t.Helper()
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)
	var last *models.Candle
	for i, c := range closes {
		candle := &models.Candle{
			Symbol:   symbol,
			Interval: models.Interval1m,
			TS:       base.Add(time.Duration(i) * time.Minute),
			Open:     decimal.NewFromInt(c),
			High:     decimal.NewFromInt(c + 10),
			Low:      decimal.NewFromInt(c - 10),
			Close:    decimal.NewFromInt(c),
			Volume:   decimal.NewFromInt(1000),
		}
		require.NoError(t, st.PushCandle(context.Background(), candle))
		last = candle
	}
	return last
}

func TestAnalyzerComputesSnapshot(t *testing.T) {
	st := store.New(cache.NewMemoryCache(), 200)
	eb := bus.New(testLogger(t))
	a := NewAnalyzer(eb, st, testLogger(t))

	closes := []int64{74900, 74950, 75000, 75050, 75100}
	last := seedRing(t, st, "005930", closes)

	snap, err := a.Compute(context.Background(), last)
	require.NoError(t, err)

	sma5, ok := snap.Value("sma_5")
	require.True(t, ok)
	assert.True(t, sma5.Equal(decimal.NewFromInt(75000)), "got %s", sma5)

	// windows larger than the ring stay absent
	_, ok = snap.Value("sma_20")
	assert.False(t, ok)
	_, ok = snap.Value("rsi_14")
	assert.False(t, ok)
}

func TestAnalyzerFingerprintShortCircuit(t *testing.T) {
	st := store.New(cache.NewMemoryCache(), 200)
	eb := bus.New(testLogger(t))
	a := NewAnalyzer(eb, st, testLogger(t))

	last := seedRing(t, st, "005930", []int64{74900, 74950, 75000, 75050, 75100})

	first, err := a.Compute(context.Background(), last)
	require.NoError(t, err)
	second, err := a.Compute(context.Background(), last)
	require.NoError(t, err)
	assert.Same(t, first, second, "identical head must return the cached snapshot")
}

func TestAnalyzerPublishesFullSnapshot(t *testing.T) {
	st := store.New(cache.NewMemoryCache(), 200)
	eb := bus.New(testLogger(t))
	require.NoError(t, eb.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eb.Stop(ctx)
	}()

	a := NewAnalyzer(eb, st, testLogger(t))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	got := make(chan models.IndicatorSnapshot, 1)
	_, err := eb.Subscribe(bus.TopicIndicatorsUpdated, "test", func(_ context.Context, e bus.Envelope) {
		var snap models.IndicatorSnapshot
		require.NoError(t, e.Decode(&snap))
		got <- snap
	})
	require.NoError(t, err)

	last := seedRing(t, st, "005930", []int64{74900, 74950, 75000, 75050, 75100})
	env, err := bus.NewEnvelope(bus.TopicCandleClosed, "pipeline", last)
	require.NoError(t, err)
	require.NoError(t, eb.Publish(env))

	select {
	case snap := <-got:
		assert.Equal(t, "005930", snap.Symbol)
		v, ok := snap.Value("sma_5")
		require.True(t, ok)
		assert.True(t, v.Equal(decimal.NewFromInt(75000)))
	case <-time.After(2 * time.Second):
		t.Fatal("no indicators_updated published")
	}

	// snapshot also landed in the cache keyspace
	vals, err := st.Indicators(context.Background(), "005930", models.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, "75000", vals["sma_5"])
}
