package strategy

import (
	"context"
	"sync/atomic"
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

func startedBus(t *testing.T) *bus.InProcBus {
	t.Helper()
	b := bus.New(testLogger(t))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// stubStrategy is a controllable test double.
type stubStrategy struct {
	name     string
	required []string
	analyze  func(ctx context.Context, snap *models.IndicatorSnapshot) (*models.TradingSignal, error)
	started  atomic.Bool
	stopped  atomic.Bool
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) RequiredIndicators() []string { return s.required }
func (s *stubStrategy) ParameterSchema() map[string]ParamSpec {
	return nil
}
func (s *stubStrategy) Analyze(ctx context.Context, snap *models.IndicatorSnapshot) (*models.TradingSignal, error) {
	if s.analyze != nil {
		return s.analyze(ctx, snap)
	}
	return nil, nil
}
func (s *stubStrategy) OnStart(context.Context) error { s.started.Store(true); return nil }
func (s *stubStrategy) OnStop(context.Context) error  { s.stopped.Store(true); return nil }

func registryWith(t *testing.T, s Strategy) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(s.Name(), func(map[string]string) (Strategy, error) { return s, nil }))
	return r
}

func snap(symbol string) *models.IndicatorSnapshot {
	return &models.IndicatorSnapshot{
		Symbol:   symbol,
		Interval: models.Interval1m,
		TS:       time.Now().UTC(),
		Values:   map[string]decimal.Decimal{"sma_5": decimal.NewFromInt(100)},
	}
}

func TestEngineDispatchEmitsTaggedSignal(t *testing.T) {
	b := startedBus(t)
	stub := &stubStrategy{
		name:     "stub",
		required: []string{"sma_5"},
		analyze: func(_ context.Context, s *models.IndicatorSnapshot) (*models.TradingSignal, error) {
			return &models.TradingSignal{
				Symbol:         s.Symbol,
				Action:         models.ActionBuy,
				Confidence:     decimal.NewFromFloat(0.8),
				SuggestedPrice: decimal.NewFromInt(100),
				TS:             time.Now().UTC(),
			}, nil
		},
	}
	e := NewEngine(b, registryWith(t, stub), testLogger(t))
	require.NoError(t, e.Load(context.Background(), "stub", nil, []string{"005930"}))
	assert.True(t, stub.started.Load())

	got := make(chan bus.Envelope, 1)
	_, err := b.Subscribe(bus.TopicTradingSignal, "test", func(_ context.Context, env bus.Envelope) {
		got <- env
	})
	require.NoError(t, err)

	e.Dispatch(context.Background(), snap("005930"))

	select {
	case env := <-got:
		var sig models.TradingSignal
		require.NoError(t, env.Decode(&sig))
		assert.Equal(t, "stub", sig.StrategyName)
		assert.NotEmpty(t, env.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no trading_signal published")
	}
}

func TestEngineSkipsWhenRequiredIndicatorMissing(t *testing.T) {
	b := startedBus(t)
	var called atomic.Int32
	stub := &stubStrategy{
		name:     "stub",
		required: []string{"atr_14"},
		analyze: func(context.Context, *models.IndicatorSnapshot) (*models.TradingSignal, error) {
			called.Add(1)
			return nil, nil
		},
	}
	e := NewEngine(b, registryWith(t, stub), testLogger(t))
	require.NoError(t, e.Load(context.Background(), "stub", nil, []string{"005930"}))

	e.Dispatch(context.Background(), snap("005930")) // snapshot lacks atr_14
	assert.Equal(t, int32(0), called.Load())
}

func TestEngineIgnoresUnsubscribedSymbol(t *testing.T) {
	b := startedBus(t)
	var called atomic.Int32
	stub := &stubStrategy{
		name:     "stub",
		required: []string{"sma_5"},
		analyze: func(context.Context, *models.IndicatorSnapshot) (*models.TradingSignal, error) {
			called.Add(1)
			return nil, nil
		},
	}
	e := NewEngine(b, registryWith(t, stub), testLogger(t))
	require.NoError(t, e.Load(context.Background(), "stub", nil, []string{"005930"}))

	e.Dispatch(context.Background(), snap("000660"))
	assert.Equal(t, int32(0), called.Load())
}

func TestEngineTimeoutDeactivatesAfterThree(t *testing.T) {
	b := startedBus(t)
	stub := &stubStrategy{
		name:     "slow",
		required: []string{"sma_5"},
		analyze: func(ctx context.Context, _ *models.IndicatorSnapshot) (*models.TradingSignal, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		},
	}
	e := NewEngine(b, registryWith(t, stub), testLogger(t), WithAnalyzeTimeout(20*time.Millisecond))
	require.NoError(t, e.Load(context.Background(), "slow", nil, []string{"005930"}))

	deactivated := make(chan map[string]string, 1)
	_, err := b.Subscribe(bus.TopicStrategyDeactivated, "test", func(_ context.Context, env bus.Envelope) {
		var payload map[string]string
		_ = env.Decode(&payload)
		deactivated <- payload
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.Dispatch(context.Background(), snap("005930"))
	}

	select {
	case payload := <-deactivated:
		assert.Equal(t, "slow", payload["strategy"])
		assert.Equal(t, "timeout", payload["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("strategy not deactivated after three timeouts")
	}
	assert.False(t, e.Loaded()["slow"])
}

func TestEngineUnloadStopsInstance(t *testing.T) {
	b := startedBus(t)
	stub := &stubStrategy{name: "stub"}
	e := NewEngine(b, registryWith(t, stub), testLogger(t))
	require.NoError(t, e.Load(context.Background(), "stub", nil, []string{"005930"}))
	require.NoError(t, e.Unload(context.Background(), "stub"))
	assert.True(t, stub.stopped.Load())
	assert.Error(t, e.Unload(context.Background(), "stub"))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("x", func(map[string]string) (Strategy, error) { return &stubStrategy{name: "x"}, nil }))
	assert.Error(t, r.Register("x", func(map[string]string) (Strategy, error) { return nil, nil }))
	assert.Contains(t, r.Names(), "x")
}

func TestDefaultRegistryHasBuiltin(t *testing.T) {
	s, err := DefaultRegistry.Build("ma_1m5m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ma_1m5m", s.Name())
}
