package risk

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/bus"
	"qbtrade/internal/domain/models"
	"qbtrade/pkg/logger"
)

// PortfolioMetrics is the periodic portfolio risk snapshot.
type PortfolioMetrics struct {
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
	GrossExposure     decimal.Decimal `json:"gross_exposure"`
	CashRatio         decimal.Decimal `json:"cash_ratio"`
	Herfindahl        float64         `json:"herfindahl"`
	Top5Concentration float64         `json:"top5_concentration"`
	VaR95             decimal.Decimal `json:"var_95"`
	AvgCorrelation    float64         `json:"avg_correlation"`
	SectorDispersion  float64         `json:"sector_dispersion"`
	AsOf              time.Time       `json:"as_of"`
}

// MonitorThresholds hold warning/critical trip points.
type MonitorThresholds struct {
	WarnConcentration float64 // Herfindahl warning
	CritConcentration float64
	WarnTop5          float64
	WarnCashRatio     float64 // below this, warn
	WarnVaRRatio      float64 // VaR as share of portfolio value
}

// DefaultThresholds mirror the original policy.
func DefaultThresholds() MonitorThresholds {
	return MonitorThresholds{
		WarnConcentration: 0.25,
		CritConcentration: 0.40,
		WarnTop5:          0.50,
		WarnCashRatio:     0.05,
		WarnVaRRatio:      0.05,
	}
}

// Monitor computes portfolio metrics on a fixed interval and publishes
// risk_alert when a metric crosses a threshold. Daily return history for the
// VaR and correlation estimates is fed through ObserveDailyReturn; the
// monitor does not derive returns from marks itself.
type Monitor struct {
	eb         bus.Bus
	provider   ContextProvider
	log        *logger.Logger
	interval   time.Duration
	thresholds MonitorThresholds

	es       *EmergencyStop
	limits   Limits
	watchdog *Watchdog

	mu      sync.RWMutex
	last    PortfolioMetrics
	returns map[string][]float64 // per-symbol daily return history

	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption configures the Monitor.
type MonitorOption func(*Monitor)

// WithThresholds overrides the alert thresholds.
func WithThresholds(t MonitorThresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// WithEmergency lets the monitor arm the kill switch on hard limit
// breaches (daily loss, consecutive losses) and feed the watchdog fresh
// valuation marks.
func WithEmergency(es *EmergencyStop, limits Limits, w *Watchdog) MonitorOption {
	return func(m *Monitor) {
		m.es = es
		m.limits = limits
		m.watchdog = w
	}
}

// NewMonitor creates the portfolio risk monitor.
func NewMonitor(eb bus.Bus, provider ContextProvider, interval time.Duration, log *logger.Logger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		eb:         eb,
		provider:   provider,
		log:        log,
		interval:   interval,
		thresholds: DefaultThresholds(),
		returns:    make(map[string][]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic computation loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Last returns the most recent metric snapshot.
func (m *Monitor) Last() PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// ObserveDailyReturn feeds one symbol's daily return into the histories
// backing VaR and correlation.
func (m *Monitor) ObserveDailyReturn(symbol string, ret float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.returns[symbol], ret)
	if len(h) > 250 {
		h = h[len(h)-250:]
	}
	m.returns[symbol] = h
}

func (m *Monitor) runOnce(ctx context.Context) {
	rctx, err := m.provider.RiskContext(ctx)
	if err != nil || rctx == nil {
		m.log.Warn("risk monitor: context unavailable", logger.Error(err))
		return
	}
	metrics := m.compute(rctx)

	m.mu.Lock()
	m.last = metrics
	m.mu.Unlock()

	if m.es != nil {
		if m.limits.MaxDailyLoss.Sign() > 0 && !rctx.RealizedPnLToday.GreaterThan(m.limits.MaxDailyLoss.Neg()) {
			m.es.Trigger(TriggerDailyLoss)
		}
		if m.limits.MaxConsecutiveLosses > 0 && rctx.ConsecutiveLosses >= m.limits.MaxConsecutiveLosses {
			m.es.Trigger(TriggerConsecLosses)
		}
	}
	if m.watchdog != nil {
		m.watchdog.Valued()
	}

	m.alert(metrics)
}

func (m *Monitor) compute(rctx *models.RiskContext) PortfolioMetrics {
	gross := rctx.GrossExposure()
	pm := PortfolioMetrics{
		PortfolioValue: rctx.PortfolioValue,
		GrossExposure:  gross,
		AsOf:           time.Now().UTC(),
	}
	if rctx.PortfolioValue.Sign() > 0 {
		pm.CashRatio = rctx.Cash.Div(rctx.PortfolioValue)
	}

	// concentration over notional weights
	weights := make([]float64, 0, len(rctx.Positions))
	grossF, _ := gross.Float64()
	if grossF > 0 {
		for _, p := range rctx.Positions {
			v, _ := p.MarketValue().Abs().Float64()
			weights = append(weights, v/grossF)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
	var hhi, top5 float64
	for i, w := range weights {
		hhi += w * w
		if i < 5 {
			top5 += w
		}
	}
	pm.Herfindahl = hhi
	pm.Top5Concentration = top5

	pm.VaR95 = m.historicalVaR(rctx)
	pm.AvgCorrelation = m.avgPairwiseCorrelation(rctx)
	pm.SectorDispersion = sectorDispersion(rctx)
	return pm
}

// historicalVaR estimates the 95% one-day portfolio VaR from per-symbol
// daily return history.
func (m *Monitor) historicalVaR(rctx *models.RiskContext) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var portfolio []float64
	for day := 0; ; day++ {
		var pnl float64
		var any bool
		for sym, p := range rctx.Positions {
			h := m.returns[sym]
			if day >= len(h) {
				continue
			}
			v, _ := p.MarketValue().Float64()
			pnl += v * h[len(h)-1-day]
			any = true
		}
		if !any {
			break
		}
		portfolio = append(portfolio, pnl)
	}
	if len(portfolio) < 20 {
		return decimal.Zero
	}
	sort.Float64s(portfolio)
	idx := int(math.Floor(0.05 * float64(len(portfolio))))
	loss := -portfolio[idx]
	if loss < 0 {
		loss = 0
	}
	return decimal.NewFromFloat(loss)
}

// avgPairwiseCorrelation averages return correlations across held symbols.
func (m *Monitor) avgPairwiseCorrelation(rctx *models.RiskContext) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	syms := make([]string, 0, len(rctx.Positions))
	for s := range rctx.Positions {
		if len(m.returns[s]) >= 20 {
			syms = append(syms, s)
		}
	}
	if len(syms) < 2 {
		return 0
	}
	sort.Strings(syms)
	var sum float64
	var n int
	for i := 0; i < len(syms); i++ {
		for j := i + 1; j < len(syms); j++ {
			if c, ok := correlation(m.returns[syms[i]], m.returns[syms[j]]); ok {
				sum += c
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func correlation(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		cov += (a[i] - ma) * (b[i] - mb)
		va += (a[i] - ma) * (a[i] - ma)
		vb += (b[i] - mb) * (b[i] - mb)
	}
	if va == 0 || vb == 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}

// sectorDispersion measures how unevenly exposure spreads across sectors
// (population stddev of sector weights).
func sectorDispersion(rctx *models.RiskContext) float64 {
	if len(rctx.Sectors) == 0 {
		return 0
	}
	grossF, _ := rctx.GrossExposure().Float64()
	if grossF <= 0 {
		return 0
	}
	bySector := make(map[string]float64)
	for sym, p := range rctx.Positions {
		v, _ := p.MarketValue().Abs().Float64()
		bySector[rctx.Sectors[sym]] += v / grossF
	}
	if len(bySector) < 2 {
		return 0
	}
	mean := 1.0 / float64(len(bySector))
	var variance float64
	for _, w := range bySector {
		variance += (w - mean) * (w - mean)
	}
	return math.Sqrt(variance / float64(len(bySector)))
}

func (m *Monitor) alert(pm PortfolioMetrics) {
	t := m.thresholds
	checks := []struct {
		severity string
		metric   string
		value    decimal.Decimal
		limit    decimal.Decimal
		trip     bool
	}{
		{"critical", "herfindahl", decimal.NewFromFloat(pm.Herfindahl), decimal.NewFromFloat(t.CritConcentration), pm.Herfindahl > t.CritConcentration},
		{"warning", "herfindahl", decimal.NewFromFloat(pm.Herfindahl), decimal.NewFromFloat(t.WarnConcentration), pm.Herfindahl > t.WarnConcentration && pm.Herfindahl <= t.CritConcentration},
		{"warning", "top5_concentration", decimal.NewFromFloat(pm.Top5Concentration), decimal.NewFromFloat(t.WarnTop5), pm.Top5Concentration > t.WarnTop5},
		{"warning", "cash_ratio", pm.CashRatio, decimal.NewFromFloat(t.WarnCashRatio), pm.CashRatio.LessThan(decimal.NewFromFloat(t.WarnCashRatio))},
	}
	if pm.PortfolioValue.Sign() > 0 {
		ratio := pm.VaR95.Div(pm.PortfolioValue)
		checks = append(checks, struct {
			severity string
			metric   string
			value    decimal.Decimal
			limit    decimal.Decimal
			trip     bool
		}{"warning", "var_95_ratio", ratio, decimal.NewFromFloat(t.WarnVaRRatio), ratio.GreaterThan(decimal.NewFromFloat(t.WarnVaRRatio))})
	}

	for _, c := range checks {
		if !c.trip {
			continue
		}
		alert := models.RiskAlert{
			Severity: c.severity,
			Metric:   c.metric,
			Value:    c.value,
			Limit:    c.limit,
			Message:  "portfolio metric crossed threshold",
			TS:       pm.AsOf,
		}
		if e, err := bus.NewEnvelope(bus.TopicRiskAlert, "risk-monitor", alert); err == nil {
			_ = m.eb.Publish(e)
		}
	}
}
