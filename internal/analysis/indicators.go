// Package analysis computes the technical indicator set over candle rings.
// All values are decimals; an indicator whose window is not yet full is
// absent from the result rather than zero.
package analysis

import (
	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// series holds candle fields oldest-first, the natural direction for
// windowed math. Rings store newest-first, so Reverse converts.
type series struct {
	close  []decimal.Decimal
	high   []decimal.Decimal
	low    []decimal.Decimal
	volume []decimal.Decimal
}

// newSeries builds an oldest-first series from a newest-first ring slice.
func newSeries(candles []models.Candle) *series {
	n := len(candles)
	s := &series{
		close:  make([]decimal.Decimal, n),
		high:   make([]decimal.Decimal, n),
		low:    make([]decimal.Decimal, n),
		volume: make([]decimal.Decimal, n),
	}
	for i, c := range candles {
		j := n - 1 - i
		s.close[j] = c.Close
		s.high[j] = c.High
		s.low[j] = c.Low
		s.volume[j] = c.Volume
	}
	return s
}

// SMA returns the simple moving average of the last period closes.
func SMA(closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range closes[len(closes)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// EMA returns the exponential moving average with alpha = 2/(period+1),
// seeded with the SMA of the first period values.
func EMA(closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period {
		return decimal.Zero, false
	}
	alpha := two.Div(decimal.NewFromInt(int64(period) + 1))
	seed, _ := SMA(closes[:period], period)
	ema := seed
	for _, v := range closes[period:] {
		ema = v.Sub(ema).Mul(alpha).Add(ema)
	}
	return ema, true
}

// emaSeries returns the running EMA for every index from period-1 on.
func emaSeries(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}
	alpha := two.Div(decimal.NewFromInt(int64(period) + 1))
	out := make([]decimal.Decimal, 0, len(values)-period+1)
	seed, _ := SMA(values[:period], period)
	ema := seed
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = v.Sub(ema).Mul(alpha).Add(ema)
		out = append(out, ema)
	}
	return out
}

// RSI returns Wilder's relative strength index.
func RSI(closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero, false
	}
	avgGain := decimal.Zero
	avgLoss := decimal.Zero
	for i := 1; i <= period; i++ {
		d := closes[i].Sub(closes[i-1])
		if d.Sign() > 0 {
			avgGain = avgGain.Add(d)
		} else {
			avgLoss = avgLoss.Sub(d)
		}
	}
	p := decimal.NewFromInt(int64(period))
	avgGain = avgGain.Div(p)
	avgLoss = avgLoss.Div(p)

	pm1 := decimal.NewFromInt(int64(period) - 1)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i].Sub(closes[i-1])
		gain := decimal.Zero
		loss := decimal.Zero
		if d.Sign() > 0 {
			gain = d
		} else {
			loss = d.Neg()
		}
		avgGain = avgGain.Mul(pm1).Add(gain).Div(p)
		avgLoss = avgLoss.Mul(pm1).Add(loss).Div(p)
	}

	if avgLoss.IsZero() {
		return hundred, true
	}
	rs := avgGain.Div(avgLoss)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))), true
}

// MACD returns the MACD line, signal line and histogram for the standard
// fast/slow/signal parameterization.
func MACD(closes []decimal.Decimal, fast, slow, signal int) (macd, sig, hist decimal.Decimal, ok bool) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	if len(closes) < slow+signal-1 {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)
	// align: slowSeries[i] corresponds to fastSeries[i+slow-fast]
	offset := slow - fast
	macdLine := make([]decimal.Decimal, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset].Sub(slowSeries[i])
	}
	sigSeries := emaSeries(macdLine, signal)
	if len(sigSeries) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	macd = macdLine[len(macdLine)-1]
	sig = sigSeries[len(sigSeries)-1]
	return macd, sig, macd.Sub(sig), true
}

// Bollinger returns the upper, middle and lower bands over period with the
// given standard deviation multiple.
func Bollinger(closes []decimal.Decimal, period int, stdDev decimal.Decimal) (upper, mid, lower decimal.Decimal, ok bool) {
	mid, ok = SMA(closes, period)
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	window := closes[len(closes)-period:]
	sumSq := decimal.Zero
	for _, v := range window {
		d := v.Sub(mid)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(period)))
	sd := decimalSqrt(variance)
	band := sd.Mul(stdDev)
	return mid.Add(band), mid, mid.Sub(band), true
}

// Stochastic returns %K (smoothed over dPeriod) and %D.
func Stochastic(highs, lows, closes []decimal.Decimal, kPeriod, dPeriod int) (k, d decimal.Decimal, ok bool) {
	if kPeriod <= 0 || dPeriod <= 0 {
		return decimal.Zero, decimal.Zero, false
	}
	need := kPeriod + 2*dPeriod - 2
	if len(closes) < need {
		return decimal.Zero, decimal.Zero, false
	}
	rawK := make([]decimal.Decimal, 0, len(closes)-kPeriod+1)
	for i := kPeriod - 1; i < len(closes); i++ {
		lo := lows[i-kPeriod+1]
		hi := highs[i-kPeriod+1]
		for j := i - kPeriod + 2; j <= i; j++ {
			if lows[j].LessThan(lo) {
				lo = lows[j]
			}
			if highs[j].GreaterThan(hi) {
				hi = highs[j]
			}
		}
		span := hi.Sub(lo)
		if span.IsZero() {
			rawK = append(rawK, decimal.NewFromInt(50))
			continue
		}
		rawK = append(rawK, closes[i].Sub(lo).Div(span).Mul(hundred))
	}
	// slow %K = SMA(raw %K, dPeriod); %D = SMA(slow %K, dPeriod)
	slowK := smaSeries(rawK, dPeriod)
	dSeries := smaSeries(slowK, dPeriod)
	if len(slowK) == 0 || len(dSeries) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return slowK[len(slowK)-1], dSeries[len(dSeries)-1], true
}

func smaSeries(values []decimal.Decimal, period int) []decimal.Decimal {
	if len(values) < period {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(values)-period+1)
	for i := period - 1; i < len(values); i++ {
		sum := decimal.Zero
		for _, v := range values[i-period+1 : i+1] {
			sum = sum.Add(v)
		}
		out = append(out, sum.Div(decimal.NewFromInt(int64(period))))
	}
	return out
}

// ATR returns Wilder's average true range.
func ATR(highs, lows, closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero, false
	}
	trs := make([]decimal.Decimal, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		hl := highs[i].Sub(lows[i])
		hc := highs[i].Sub(closes[i-1]).Abs()
		lc := lows[i].Sub(closes[i-1]).Abs()
		trs = append(trs, decimal.Max(hl, decimal.Max(hc, lc)))
	}
	p := decimal.NewFromInt(int64(period))
	atr := decimal.Zero
	for _, tr := range trs[:period] {
		atr = atr.Add(tr)
	}
	atr = atr.Div(p)
	pm1 := decimal.NewFromInt(int64(period) - 1)
	for _, tr := range trs[period:] {
		atr = atr.Mul(pm1).Add(tr).Div(p)
	}
	return atr, true
}

// Turnover sums close*volume over the last period samples.
func Turnover(closes, volumes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period || len(volumes) < period {
		return decimal.Zero, false
	}
	total := decimal.Zero
	for i := len(closes) - period; i < len(closes); i++ {
		total = total.Add(closes[i].Mul(volumes[i]))
	}
	return total, true
}

// decimalSqrt computes a square root via Newton iteration, enough precision
// for band math on KRW prices.
func decimalSqrt(v decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 {
		return decimal.Zero
	}
	guess := v.Div(two)
	if guess.IsZero() {
		return decimal.Zero
	}
	for i := 0; i < 24; i++ {
		next := guess.Add(v.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -12)) {
			return next
		}
		guess = next
	}
	return guess
}
