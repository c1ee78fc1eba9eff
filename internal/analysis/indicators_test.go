package analysis

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decs(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	closes := decs(74900, 74950, 75000, 75050, 75100)

	v, ok := SMA(closes, 5)
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(75000)), "got %s", v)
}

func TestSMAUndefinedBelowWindow(t *testing.T) {
	_, ok := SMA(decs(1, 2, 3), 5)
	assert.False(t, ok, "sma below window must be absent, not zero")
}

func TestEMAWarmupAndValue(t *testing.T) {
	_, ok := EMA(decs(1, 2), 3)
	assert.False(t, ok)

	// seed = sma(1,2,3) = 2; alpha = 0.5; ema = 2 + (4-2)*0.5 = 3
	v, ok := EMA(decs(1, 2, 3, 4), 3)
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(3)), "got %s", v)
}

func TestRSIUndefinedThroughFirstPeriod(t *testing.T) {
	closes := decs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14)
	_, ok := RSI(closes, 14)
	assert.False(t, ok, "rsi needs period+1 samples")
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := make([]decimal.Decimal, 20)
	for i := range closes {
		closes[i] = decimal.NewFromInt(int64(100 + i))
	}
	v, ok := RSI(closes, 14)
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(100)), "got %s", v)
}

func TestRSIMixedStaysInRange(t *testing.T) {
	closes := decs(44, 47, 45, 50, 48, 52, 49, 53, 51, 55, 52, 56, 54, 58, 55, 59)
	v, ok := RSI(closes, 14)
	require.True(t, ok)
	assert.True(t, v.GreaterThan(decimal.Zero) && v.LessThan(decimal.NewFromInt(100)))
	assert.True(t, v.GreaterThan(decimal.NewFromInt(50)), "mostly gains should sit above 50, got %s", v)
}

func TestMACDWarmup(t *testing.T) {
	closes := make([]decimal.Decimal, 30)
	for i := range closes {
		closes[i] = decimal.NewFromInt(int64(100 + i))
	}
	_, _, _, ok := MACD(closes, 12, 26, 9)
	assert.False(t, ok, "needs slow+signal-1 samples")

	closes = make([]decimal.Decimal, 40)
	for i := range closes {
		closes[i] = decimal.NewFromInt(int64(100 + i))
	}
	macd, sig, hist, ok := MACD(closes, 12, 26, 9)
	require.True(t, ok)
	assert.True(t, macd.Sub(sig).Equal(hist))
	// a steady uptrend keeps the fast EMA above the slow one
	assert.True(t, macd.Sign() > 0)
}

func TestBollingerBands(t *testing.T) {
	closes := make([]decimal.Decimal, 20)
	for i := range closes {
		closes[i] = decimal.NewFromInt(100)
	}
	up, mid, lo, ok := Bollinger(closes, 20, decimal.NewFromInt(2))
	require.True(t, ok)
	// zero variance collapses the bands onto the middle
	assert.True(t, up.Equal(mid))
	assert.True(t, lo.Equal(mid))
	assert.True(t, mid.Equal(decimal.NewFromInt(100)))
}

func TestATRWarmupAndConstantRange(t *testing.T) {
	highs := make([]decimal.Decimal, 15)
	lows := make([]decimal.Decimal, 15)
	closes := make([]decimal.Decimal, 15)
	for i := range highs {
		highs[i] = decimal.NewFromInt(110)
		lows[i] = decimal.NewFromInt(90)
		closes[i] = decimal.NewFromInt(100)
	}
	_, ok := ATR(highs[:14], lows[:14], closes[:14], 14)
	assert.False(t, ok, "atr needs period+1 samples")

	v, ok := ATR(highs, lows, closes, 14)
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(20)), "constant 20-point range, got %s", v)
}

func TestStochasticMidRange(t *testing.T) {
	n := 30
	highs := make([]decimal.Decimal, n)
	lows := make([]decimal.Decimal, n)
	closes := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		highs[i] = decimal.NewFromInt(110)
		lows[i] = decimal.NewFromInt(90)
		closes[i] = decimal.NewFromInt(100)
	}
	k, d, ok := Stochastic(highs, lows, closes, 14, 3)
	require.True(t, ok)
	assert.True(t, k.Equal(decimal.NewFromInt(50)), "got k=%s", k)
	assert.True(t, d.Equal(decimal.NewFromInt(50)), "got d=%s", d)
}
