package marketdata

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
)

// GateOutcome says what the pipeline does with a tick.
type GateOutcome int

const (
	GatePass GateOutcome = iota
	GateWarn
	GateDrop
	GateDropSilent
)

// GateResult is the verdict of the first failing gate, or a pass.
type GateResult struct {
	Outcome  GateOutcome
	Gate     string
	Severity string
	Detail   string
}

// QualityConfig parameterizes the gates.
type QualityConfig struct {
	MinPrice           decimal.Decimal
	MaxPrice           decimal.Decimal
	StalenessThreshold time.Duration
	OutlierZScore      float64
	// OutlierWindow is how many recent closes feed the z-score.
	OutlierWindow int
}

// QualityChecker runs the ordered quality gates over incoming ticks. It is
// owned by the pipeline's single writer per symbol, so the rolling close
// window needs no locking.
type QualityChecker struct {
	cfg    QualityConfig
	closes map[string][]float64
	heads  map[string]headKey
}

type headKey struct {
	ts    time.Time
	close string
}

// NewQualityChecker creates a checker.
func NewQualityChecker(cfg QualityConfig) *QualityChecker {
	if cfg.OutlierWindow <= 0 {
		cfg.OutlierWindow = 20
	}
	if cfg.OutlierZScore <= 0 {
		cfg.OutlierZScore = 8
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 5 * time.Minute
	}
	return &QualityChecker{
		cfg:    cfg,
		closes: make(map[string][]float64),
		heads:  make(map[string]headKey),
	}
}

// Check evaluates the gates in order; the first failure decides the outcome.
func (q *QualityChecker) Check(t *models.MarketTick, now time.Time) GateResult {
	// required fields
	if t.Symbol == "" || t.TS.IsZero() || t.Close.IsZero() {
		return GateResult{Outcome: GateDrop, Gate: "required_fields", Severity: "critical", Detail: "symbol, ts and close are required"}
	}

	// types and ranges
	if t.Close.Sign() <= 0 {
		return GateResult{Outcome: GateDrop, Gate: "price_range", Severity: "critical", Detail: "non-positive close"}
	}
	if t.Volume.Sign() < 0 {
		return GateResult{Outcome: GateDrop, Gate: "price_range", Severity: "critical", Detail: "negative volume"}
	}
	if !q.cfg.MinPrice.IsZero() && t.Close.LessThan(q.cfg.MinPrice) {
		return GateResult{Outcome: GateDrop, Gate: "price_range", Severity: "critical", Detail: "close below configured floor"}
	}
	if !q.cfg.MaxPrice.IsZero() && t.Close.GreaterThan(q.cfg.MaxPrice) {
		return GateResult{Outcome: GateDrop, Gate: "price_range", Severity: "critical", Detail: "close above configured ceiling"}
	}

	// OHLC consistency, only when the source supplied a full bar
	if t.HasOHLC() {
		minOC := decimal.Min(t.Open, t.Close)
		maxOC := decimal.Max(t.Open, t.Close)
		if t.Low.GreaterThan(minOC) || t.High.LessThan(maxOC) {
			return GateResult{Outcome: GateDrop, Gate: "ohlc_consistency", Severity: "high", Detail: "low/high inconsistent with open/close"}
		}
	}

	// staleness: warn, keep
	var stale bool
	if now.Sub(t.TS) > q.cfg.StalenessThreshold {
		stale = true
	}

	// duplicate of the current head: drop silently
	if head, ok := q.heads[t.Symbol]; ok {
		if head.ts.Equal(t.TS) && head.close == t.Close.String() {
			return GateResult{Outcome: GateDropSilent, Gate: "duplicate", Severity: "low"}
		}
	}
	q.heads[t.Symbol] = headKey{ts: t.TS, close: t.Close.String()}

	// outlier z-score vs the recent close window: warn, keep
	outlier := q.isOutlier(t.Symbol, t.Close)
	q.push(t.Symbol, t.Close)

	switch {
	case stale:
		return GateResult{Outcome: GateWarn, Gate: "staleness", Severity: "high", Detail: "tick older than staleness threshold"}
	case outlier:
		return GateResult{Outcome: GateWarn, Gate: "outlier", Severity: "high", Detail: "close z-score beyond limit"}
	}
	return GateResult{Outcome: GatePass}
}

// isOutlier computes the z-score of close against the rolling window. The
// z-score statistics deliberately run in float64: they gate data quality and
// never feed accounting.
func (q *QualityChecker) isOutlier(symbol string, close decimal.Decimal) bool {
	window := q.closes[symbol]
	if len(window) < q.cfg.OutlierWindow {
		return false
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(window))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return false
	}
	v, _ := close.Float64()
	return math.Abs(v-mean)/sd > q.cfg.OutlierZScore
}

func (q *QualityChecker) push(symbol string, close decimal.Decimal) {
	v, _ := close.Float64()
	window := append(q.closes[symbol], v)
	if len(window) > q.cfg.OutlierWindow {
		window = window[len(window)-q.cfg.OutlierWindow:]
	}
	q.closes[symbol] = window
}
