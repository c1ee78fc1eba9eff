package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbtrade/internal/domain/models"
)

func TestBuilderAggregatesWithinBucket(t *testing.T) {
	b := NewCandleBuilder([]models.Interval{models.Interval1m})
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

	closes := []int64{100, 105, 95, 102}
	for i, c := range closes {
		closed := b.Apply(tick("005930", base.Add(time.Duration(i)*10*time.Second), c))
		assert.Empty(t, closed)
	}

	// a tick in the next minute closes the bucket
	closed := b.Apply(tick("005930", base.Add(time.Minute), 110))
	require.Len(t, closed, 1)

	c := closed[0]
	assert.Equal(t, base, c.TS)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)), "open %s", c.Open)
	assert.True(t, c.High.Equal(decimal.NewFromInt(105)), "high %s", c.High)
	assert.True(t, c.Low.Equal(decimal.NewFromInt(95)), "low %s", c.Low)
	assert.True(t, c.Close.Equal(decimal.NewFromInt(102)), "close %s", c.Close)
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(400)), "volume %s", c.Volume)
	assert.True(t, c.Valid())
}

func TestBuilderFlushClosesOnWallClock(t *testing.T) {
	b := NewCandleBuilder([]models.Interval{models.Interval1m})
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

	b.Apply(tick("005930", base.Add(5*time.Second), 100))

	assert.Empty(t, b.Flush(base.Add(30*time.Second)))

	closed := b.Flush(base.Add(61 * time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, base, closed[0].TS)
}

func TestBuilderLateTickIgnored(t *testing.T) {
	b := NewCandleBuilder([]models.Interval{models.Interval1m})
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

	b.Apply(tick("005930", base.Add(time.Minute), 100))
	// a tick for the already-closed prior bucket must not corrupt state
	closed := b.Apply(tick("005930", base.Add(time.Second), 999))
	assert.Empty(t, closed)

	closed = b.Apply(tick("005930", base.Add(2*time.Minute), 101))
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Close.Equal(decimal.NewFromInt(100)))
}

func TestBuilderMultipleIntervals(t *testing.T) {
	b := NewCandleBuilder([]models.Interval{models.Interval1m, models.Interval5m})
	base := time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.Apply(tick("005930", base.Add(time.Duration(i)*time.Minute), 100+int64(i)))
	}
	closed := b.Apply(tick("005930", base.Add(5*time.Minute), 200))

	var oneMin, fiveMin int
	for _, c := range closed {
		switch c.Interval {
		case models.Interval1m:
			oneMin++
		case models.Interval5m:
			fiveMin++
		}
	}
	assert.Equal(t, 1, oneMin, "the 5th 1m bucket closes")
	assert.Equal(t, 1, fiveMin, "the first 5m bucket closes")
}

func TestNormalizeSymbolCanonicalization(t *testing.T) {
	assert.Equal(t, "005930", CanonicalSymbol("005930.KS"))
	assert.Equal(t, "005930", CanonicalSymbol("krx:005930"))
	assert.Equal(t, "005930", CanonicalSymbol("A005930"))
	assert.Equal(t, "005930", CanonicalSymbol(" 005930 "))
}

func TestNormalizeRejectsIncomplete(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Normalize(RawTick{Symbol: "005930", Close: ""})
	assert.ErrorIs(t, err, ErrIncompleteTick)

	_, err = n.Normalize(RawTick{Symbol: "", TS: time.Now(), Close: "100"})
	assert.ErrorIs(t, err, ErrIncompleteTick)
}

func TestNormalizeParsesFields(t *testing.T) {
	n := NewNormalizer()
	tk, err := n.Normalize(RawTick{
		Symbol: "005930.KS",
		TS:     time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC),
		Close:  "75,000",
		Volume: "1234",
		Source: models.SourceBrokerWS,
	})
	require.NoError(t, err)
	assert.Equal(t, "005930", tk.Symbol)
	assert.True(t, tk.Close.Equal(decimal.NewFromInt(75000)))
	assert.True(t, tk.Volume.Equal(decimal.NewFromInt(1234)))
}
