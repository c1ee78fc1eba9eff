package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"qbtrade/internal/domain/models"
)

func tick(symbol string, ts time.Time, close int64) *models.MarketTick {
	return &models.MarketTick{
		Symbol: symbol,
		TS:     ts,
		Close:  decimal.NewFromInt(close),
		Volume: decimal.NewFromInt(100),
		Source: models.SourceBrokerWS,
	}
}

func TestQualityRequiredFields(t *testing.T) {
	q := NewQualityChecker(QualityConfig{})
	now := time.Now().UTC()

	res := q.Check(&models.MarketTick{TS: now, Close: decimal.NewFromInt(100)}, now)
	assert.Equal(t, GateDrop, res.Outcome)
	assert.Equal(t, "required_fields", res.Gate)
	assert.Equal(t, "critical", res.Severity)
}

func TestQualityNonPositiveClose(t *testing.T) {
	q := NewQualityChecker(QualityConfig{})
	now := time.Now().UTC()

	bad := tick("005930", now, 0)
	res := q.Check(bad, now)
	assert.Equal(t, GateDrop, res.Outcome)
}

func TestQualityPriceRange(t *testing.T) {
	q := NewQualityChecker(QualityConfig{
		MinPrice: decimal.NewFromInt(100),
		MaxPrice: decimal.NewFromInt(1000000),
	})
	now := time.Now().UTC()

	res := q.Check(tick("005930", now, 50), now)
	assert.Equal(t, GateDrop, res.Outcome)
	assert.Equal(t, "price_range", res.Gate)
}

func TestQualityOHLCConsistency(t *testing.T) {
	q := NewQualityChecker(QualityConfig{})
	now := time.Now().UTC()

	bad := tick("005930", now, 100)
	bad.Open = decimal.NewFromInt(100)
	bad.High = decimal.NewFromInt(90) // high below close
	bad.Low = decimal.NewFromInt(80)
	res := q.Check(bad, now)
	assert.Equal(t, GateDrop, res.Outcome)
	assert.Equal(t, "ohlc_consistency", res.Gate)
}

func TestQualityStalenessWarnsButKeeps(t *testing.T) {
	q := NewQualityChecker(QualityConfig{StalenessThreshold: time.Minute})
	now := time.Now().UTC()

	res := q.Check(tick("005930", now.Add(-2*time.Minute), 100), now)
	assert.Equal(t, GateWarn, res.Outcome)
	assert.Equal(t, "staleness", res.Gate)
}

func TestQualityDuplicateDroppedSilently(t *testing.T) {
	q := NewQualityChecker(QualityConfig{})
	now := time.Now().UTC()
	ts := now.Add(-time.Second)

	first := tick("005930", ts, 100)
	assert.Equal(t, GatePass, q.Check(first, now).Outcome)

	dup := tick("005930", ts, 100)
	res := q.Check(dup, now)
	assert.Equal(t, GateDropSilent, res.Outcome)
	assert.Equal(t, "duplicate", res.Gate)

	// same ts, different close is not a duplicate
	moved := tick("005930", ts, 101)
	assert.Equal(t, GatePass, q.Check(moved, now).Outcome)
}

func TestQualityOutlierWarnsAfterWindow(t *testing.T) {
	q := NewQualityChecker(QualityConfig{OutlierWindow: 20, OutlierZScore: 8})
	now := time.Now().UTC()

	base := now.Add(-time.Hour)
	for i := 0; i < 25; i++ {
		res := q.Check(tick("005930", base.Add(time.Duration(i)*time.Second), 100+int64(i%3)), now)
		assert.NotEqual(t, GateDrop, res.Outcome)
	}

	spike := tick("005930", base.Add(time.Hour), 100000)
	res := q.Check(spike, now)
	assert.Equal(t, GateWarn, res.Outcome)
	assert.Equal(t, "outlier", res.Gate)
}
