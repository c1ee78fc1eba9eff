package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/internal/store"
	"qbtrade/pkg/cache"
	"qbtrade/pkg/logger"
)

// Params selects the indicator windows to compute.
type Params struct {
	SMAWindows      []int
	EMAFast         int
	EMASlow         int
	RSIPeriod       int
	MACDSignal      int
	BollingerPeriod int
	BollingerStdDev decimal.Decimal
	StochKPeriod    int
	StochDPeriod    int
	ATRPeriod       int
}

// DefaultParams mirrors the standard configuration.
func DefaultParams() Params {
	return Params{
		SMAWindows:      []int{5, 20, 60},
		EMAFast:         12,
		EMASlow:         26,
		RSIPeriod:       14,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerStdDev: decimal.NewFromInt(2),
		StochKPeriod:    14,
		StochDPeriod:    3,
		ATRPeriod:       14,
	}
}

// hash gives the parameter fingerprint component.
func (p Params) hash() string {
	return cache.Fingerprint(p.SMAWindows, p.EMAFast, p.EMASlow, p.RSIPeriod,
		p.MACDSignal, p.BollingerPeriod, p.BollingerStdDev.String(),
		p.StochKPeriod, p.StochDPeriod, p.ATRPeriod)
}

// fpEntry caches a computed snapshot against its input fingerprint.
type fpEntry struct {
	snap *models.IndicatorSnapshot
	exp  time.Time
}

// Analyzer recomputes the indicator set on every closed candle, writes the
// snapshot to the cache and publishes indicators_updated with the full
// snapshot so strategies never re-read the cache for correctness.
type Analyzer struct {
	eb     bus.Bus
	st     *store.Store
	log    *logger.Logger
	params Params
	ttl    time.Duration

	mu  sync.Mutex
	fps map[string]fpEntry

	sub bus.Subscription
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithParams overrides the indicator parameterization.
func WithParams(p Params) AnalyzerOption {
	return func(a *Analyzer) { a.params = p }
}

// WithFingerprintTTL bounds how long a fingerprint short-circuit lives.
func WithFingerprintTTL(d time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// NewAnalyzer creates the technical analyzer.
func NewAnalyzer(eb bus.Bus, st *store.Store, log *logger.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		eb:     eb,
		st:     st,
		log:    log,
		params: DefaultParams(),
		ttl:    time.Hour,
		fps:    make(map[string]fpEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to candle_closed.
func (a *Analyzer) Start(ctx context.Context) error {
	sub, err := a.eb.Subscribe(bus.TopicCandleClosed, "analyzer", func(ctx context.Context, e bus.Envelope) {
		var c models.Candle
		if err := e.Decode(&c); err != nil {
			a.log.Error("candle decode", logger.Error(err))
			return
		}
		a.onCandle(ctx, &c)
	})
	if err != nil {
		return fmt.Errorf("analyzer subscribe: %w", err)
	}
	a.sub = sub
	return nil
}

// Stop detaches from the bus.
func (a *Analyzer) Stop() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
}

func (a *Analyzer) onCandle(ctx context.Context, c *models.Candle) {
	snap, err := a.Compute(ctx, c)
	if err != nil {
		a.log.Error("indicator compute",
			logger.String("symbol", c.Symbol),
			logger.String("interval", string(c.Interval)),
			logger.Error(err),
		)
		return
	}

	if err := a.st.SetIndicators(ctx, snap); err != nil {
		a.log.Error("indicator cache write", logger.String("symbol", c.Symbol), logger.Error(err))
	}
	if e, err := bus.NewEnvelope(bus.TopicIndicatorsUpdated, "analyzer", snap); err == nil {
		_ = a.eb.Publish(e)
	}
}

// Compute loads the ring and evaluates the configured indicator set. The
// input-head fingerprint short-circuits recompute when nothing changed.
func (a *Analyzer) Compute(ctx context.Context, c *models.Candle) (*models.IndicatorSnapshot, error) {
	key := cache.Key("fp", c.Symbol, c.Interval)
	fp := cache.Fingerprint(c.Symbol, c.Interval, c.TS.UnixNano(), c.Close.String(), a.params.hash())

	a.mu.Lock()
	if e, ok := a.fps[key]; ok && time.Now().Before(e.exp) && e.snap != nil {
		if cache.Fingerprint(c.Symbol, c.Interval, e.snap.TS.UnixNano(), e.snap.Candle.Close.String(), a.params.hash()) == fp {
			snap := e.snap
			a.mu.Unlock()
			return snap, nil
		}
	}
	a.mu.Unlock()

	candles, err := a.st.Candles(ctx, c.Symbol, c.Interval, a.st.RingSize())
	if err != nil {
		return nil, fmt.Errorf("load ring: %w", err)
	}
	s := newSeries(candles)

	values := make(map[string]decimal.Decimal)
	for _, w := range a.params.SMAWindows {
		if v, ok := SMA(s.close, w); ok {
			values[fmt.Sprintf("sma_%d", w)] = v
		}
	}
	if v, ok := EMA(s.close, a.params.EMAFast); ok {
		values[fmt.Sprintf("ema_%d", a.params.EMAFast)] = v
	}
	if v, ok := EMA(s.close, a.params.EMASlow); ok {
		values[fmt.Sprintf("ema_%d", a.params.EMASlow)] = v
	}
	if v, ok := RSI(s.close, a.params.RSIPeriod); ok {
		values[fmt.Sprintf("rsi_%d", a.params.RSIPeriod)] = v
	}
	if macd, sig, hist, ok := MACD(s.close, a.params.EMAFast, a.params.EMASlow, a.params.MACDSignal); ok {
		values["macd"] = macd
		values["macd_signal"] = sig
		values["macd_hist"] = hist
	}
	if up, mid, lo, ok := Bollinger(s.close, a.params.BollingerPeriod, a.params.BollingerStdDev); ok {
		values["bb_upper"] = up
		values["bb_mid"] = mid
		values["bb_lower"] = lo
	}
	if k, d, ok := Stochastic(s.high, s.low, s.close, a.params.StochKPeriod, a.params.StochDPeriod); ok {
		values["stoch_k"] = k
		values["stoch_d"] = d
	}
	if v, ok := ATR(s.high, s.low, s.close, a.params.ATRPeriod); ok {
		values[fmt.Sprintf("atr_%d", a.params.ATRPeriod)] = v
	}
	// daily rings additionally expose the 5-day turnover used by the
	// volume filter of entry strategies
	if c.Interval == models.Interval1d {
		if v, ok := Turnover(s.close, s.volume, 5); ok {
			values["turnover_5d"] = v
		}
	}

	snap := &models.IndicatorSnapshot{
		Symbol:   c.Symbol,
		Interval: c.Interval,
		TS:       c.TS,
		Candle:   *c,
		Values:   values,
	}

	a.mu.Lock()
	a.fps[key] = fpEntry{snap: snap, exp: time.Now().Add(a.ttl)}
	a.mu.Unlock()
	return snap, nil
}
