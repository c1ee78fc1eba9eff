package marketdata

import (
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
)

// CandleBuilder aggregates ticks into bucket-aligned OHLCV candles for one
// set of intervals. Owned by the pipeline's single writer per symbol.
type CandleBuilder struct {
	intervals []models.Interval
	open      map[bucketKey]*models.Candle
}

type bucketKey struct {
	symbol   string
	interval models.Interval
}

// NewCandleBuilder creates a builder for the given intervals.
func NewCandleBuilder(intervals []models.Interval) *CandleBuilder {
	return &CandleBuilder{
		intervals: intervals,
		open:      make(map[bucketKey]*models.Candle),
	}
}

// Apply folds a tick into each interval's open bucket and returns the
// candles whose bucket the tick closed (because it belongs to a later one).
func (b *CandleBuilder) Apply(t *models.MarketTick) []models.Candle {
	var closed []models.Candle
	for _, iv := range b.intervals {
		key := bucketKey{symbol: t.Symbol, interval: iv}
		bucket := iv.Truncate(t.TS)

		cur, ok := b.open[key]
		if ok && bucket.After(cur.TS) {
			closed = append(closed, *cur)
			ok = false
		}
		if !ok {
			b.open[key] = &models.Candle{
				Symbol:   t.Symbol,
				Interval: iv,
				TS:       bucket,
				Open:     t.Close,
				High:     t.Close,
				Low:      t.Close,
				Close:    t.Close,
				Volume:   t.Volume,
			}
			continue
		}
		if bucket.Before(cur.TS) {
			// tick for an already-closed bucket: too late, ignore
			continue
		}
		if t.Close.GreaterThan(cur.High) {
			cur.High = t.Close
		}
		if t.Close.LessThan(cur.Low) {
			cur.Low = t.Close
		}
		cur.Close = t.Close
		cur.Volume = cur.Volume.Add(t.Volume)
	}
	return closed
}

// Flush closes every bucket whose boundary is behind now, returning the
// closed candles. Called on the wall-clock tick so quiet symbols still emit.
func (b *CandleBuilder) Flush(now time.Time) []models.Candle {
	var closed []models.Candle
	for key, cur := range b.open {
		boundary := cur.TS.Add(key.interval.Duration())
		if !now.Before(boundary) {
			closed = append(closed, *cur)
			delete(b.open, key)
		}
	}
	return closed
}

// OpenVolume reports the accumulated volume of the open bucket, zero when
// none is open.
func (b *CandleBuilder) OpenVolume(symbol string, iv models.Interval) decimal.Decimal {
	if cur, ok := b.open[bucketKey{symbol: symbol, interval: iv}]; ok {
		return cur.Volume
	}
	return decimal.Zero
}
