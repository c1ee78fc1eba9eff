package marketdata

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

// fakeAdapter feeds scripted ticks into the pipeline.
type fakeAdapter struct {
	ticks  chan models.MarketTick
	health chan HealthEvent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		ticks:  make(chan models.MarketTick, 64),
		health: make(chan HealthEvent, 4),
	}
}

func (f *fakeAdapter) Name() string                              { return "fake" }
func (f *fakeAdapter) Connect(context.Context) error             { return nil }
func (f *fakeAdapter) Subscribe(context.Context, string) error   { return nil }
func (f *fakeAdapter) Unsubscribe(context.Context, string) error { return nil }
func (f *fakeAdapter) Ticks() <-chan models.MarketTick           { return f.ticks }
func (f *fakeAdapter) Health() <-chan HealthEvent                { return f.health }
func (f *fakeAdapter) Close() error                              { return nil }

type nullMetrics struct{}

func (nullMetrics) RecordTickAccepted(string)       {}
func (nullMetrics) RecordTickDropped(string)        {}
func (nullMetrics) RecordCandleClosed(string)       {}
func (nullMetrics) RecordLastPrice(string, float64) {}
func (nullMetrics) RecordError(string)              {}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func startPipeline(t *testing.T) (*fakeAdapter, *bus.InProcBus, *store.Store) {
	t.Helper()
	b := bus.New(testLogger(t))
	require.NoError(t, b.Start(context.Background()))

	st := store.New(cache.NewMemoryCache(), 200)
	adapter := newFakeAdapter()
	p := NewPipeline(
		[]Adapter{adapter},
		b,
		st,
		NewQualityChecker(QualityConfig{StalenessThreshold: time.Hour}),
		NewCandleBuilder([]models.Interval{models.Interval1m}),
		testLogger(t),
		nullMetrics{},
	)
	require.NoError(t, p.Start(context.Background(), []string{"005930"}))
	t.Cleanup(func() {
		p.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return adapter, b, st
}

func TestPipelinePublishesAcceptedTicks(t *testing.T) {
	adapter, b, st := startPipeline(t)

	received := make(chan models.MarketTick, 8)
	_, err := b.Subscribe(bus.TopicMarketDataReceived, "test", func(_ context.Context, e bus.Envelope) {
		var tk models.MarketTick
		require.NoError(t, e.Decode(&tk))
		received <- tk
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Minute)
	adapter.ticks <- *tick("005930", now, 75_000)

	select {
	case tk := <-received:
		assert.Equal(t, "005930", tk.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("accepted tick not published")
	}

	// latest tick landed in the market keyspace
	require.Eventually(t, func() bool {
		latest, err := st.LatestTick(context.Background(), "005930")
		return err == nil && latest.Close.Equal(decimal.NewFromInt(75_000))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineClosesCandleOnLaterBucket(t *testing.T) {
	adapter, b, st := startPipeline(t)

	closed := make(chan models.Candle, 4)
	_, err := b.Subscribe(bus.TopicCandleClosed, "test", func(_ context.Context, e bus.Envelope) {
		var c models.Candle
		require.NoError(t, e.Decode(&c))
		closed <- c
	})
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Minute)
	adapter.ticks <- *tick("005930", base.Add(time.Second), 75_000)
	adapter.ticks <- *tick("005930", base.Add(2*time.Second), 75_050)
	adapter.ticks <- *tick("005930", base.Add(time.Minute), 75_100)

	select {
	case c := <-closed:
		assert.Equal(t, base, c.TS)
		assert.True(t, c.Close.Equal(decimal.NewFromInt(75_050)))
	case <-time.After(2 * time.Second):
		t.Fatal("no candle_closed published")
	}

	require.Eventually(t, func() bool {
		n, err := st.RingLen(context.Background(), "005930", models.Interval1m)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineDedupReplayLeavesRingUnchanged(t *testing.T) {
	adapter, b, st := startPipeline(t)

	issues := make(chan QualityIssue, 8)
	_, err := b.Subscribe(bus.TopicQualityIssue, "test", func(_ context.Context, e bus.Envelope) {
		var qi QualityIssue
		require.NoError(t, e.Decode(&qi))
		issues <- qi
	})
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Minute)
	first := tick("005930", base.Add(time.Second), 75_000)
	adapter.ticks <- *first
	adapter.ticks <- *first // identical replay
	adapter.ticks <- *tick("005930", base.Add(time.Minute), 75_100)

	require.Eventually(t, func() bool {
		n, err := st.RingLen(context.Background(), "005930", models.Interval1m)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the duplicate dropped silently: no quality_issue was published
	select {
	case qi := <-issues:
		t.Fatalf("unexpected quality issue %v", qi)
	case <-time.After(100 * time.Millisecond):
	}

	candles, err := st.Candles(context.Background(), "005930", models.Interval1m, 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Volume.Equal(decimal.NewFromInt(100)), "replayed tick did not double volume")
}

func TestPipelineDropsBadTickAndReportsIssue(t *testing.T) {
	adapter, b, st := startPipeline(t)

	issues := make(chan QualityIssue, 4)
	_, err := b.Subscribe(bus.TopicQualityIssue, "test", func(_ context.Context, e bus.Envelope) {
		var qi QualityIssue
		require.NoError(t, e.Decode(&qi))
		issues <- qi
	})
	require.NoError(t, err)

	bad := tick("005930", time.Now().UTC(), 75_000)
	bad.Close = decimal.NewFromInt(-1)
	adapter.ticks <- *bad

	select {
	case qi := <-issues:
		assert.Equal(t, "price_range", qi.Gate)
		assert.Equal(t, "critical", qi.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("no quality_issue published")
	}

	latest, err := st.LatestTick(context.Background(), "005930")
	assert.Error(t, err, "dropped tick never reaches the cache")
	assert.Nil(t, latest)
}
