// Package indicator computes technical indicator series from OHLCV windows.
//
// Every function is pure and deterministic: identical input bars produce
// bitwise-identical output. Results have the same length as the input, with
// leading NaN entries during the warm-up span. RSI, ATR and ADX use Wilder
// smoothing; EMA is seeded from the SMA of its first period bars.
package indicator

import (
	"math"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Undefined is the warm-up placeholder value.
var Undefined = math.NaN()

// Defined reports whether a series value is past warm-up.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// Closes extracts the close series from bars.
func Closes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = Undefined
	}
	return out
}

// SMA returns the simple moving average of values over period.
func SMA(values []float64, period int) []float64 {
	out := undefinedSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average of values over period, seeded
// from the SMA of the first period values.
func EMA(values []float64, period int) []float64 {
	out := undefinedSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// RSI returns the relative strength index over period using Wilder smoothing.
func RSI(values []float64, period int) []float64 {
	out := undefinedSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult bundles the MACD line, signal line and histogram.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD returns the moving average convergence divergence of values.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	n := len(values)
	res := MACDResult{
		Line:      undefinedSeries(n),
		Signal:    undefinedSeries(n),
		Histogram: undefinedSeries(n),
	}
	if fast <= 0 || slow <= fast || n < slow {
		return res
	}
	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)
	for i := slow - 1; i < n; i++ {
		res.Line[i] = emaFast[i] - emaSlow[i]
	}
	// Signal is an EMA over the defined span of the MACD line.
	defined := res.Line[slow-1:]
	sig := EMA(defined, signal)
	for i, v := range sig {
		res.Signal[slow-1+i] = v
	}
	for i := 0; i < n; i++ {
		if Defined(res.Line[i]) && Defined(res.Signal[i]) {
			res.Histogram[i] = res.Line[i] - res.Signal[i]
		}
	}
	return res
}

// TrueRange returns the true range series. The first bar uses high-low.
func TrueRange(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		if i == 0 {
			out[i] = b.High - b.Low
			continue
		}
		prevClose := bars[i-1].Close
		out[i] = math.Max(b.High-b.Low,
			math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return out
}

// ATR returns the average true range over period using Wilder smoothing,
// seeded from the SMA of the first period true ranges.
func ATR(bars []types.OHLCV, period int) []float64 {
	out := undefinedSeries(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}
	tr := TrueRange(bars)
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += tr[i]
	}
	out[period-1] = seed / float64(period)
	for i := period; i < len(bars); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// CCI returns the commodity channel index over period.
func CCI(bars []types.OHLCV, period int) []float64 {
	out := undefinedSeries(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}
	tp := make([]float64, len(bars))
	for i, b := range bars {
		tp[i] = (b.High + b.Low + b.Close) / 3
	}
	sma := SMA(tp, period)
	for i := period - 1; i < len(bars); i++ {
		meanDev := 0.0
		for j := i - period + 1; j <= i; j++ {
			meanDev += math.Abs(tp[j] - sma[i])
		}
		meanDev /= float64(period)
		if meanDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - sma[i]) / (0.015 * meanDev)
	}
	return out
}

// BollingerResult bundles the three Bollinger bands.
type BollingerResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger returns Bollinger bands over period with stdDev multiplier,
// using the population standard deviation of each window.
func Bollinger(values []float64, period int, stdDev float64) BollingerResult {
	n := len(values)
	res := BollingerResult{
		Upper:  undefinedSeries(n),
		Middle: SMA(values, period),
		Lower:  undefinedSeries(n),
	}
	if period <= 0 || n < period {
		return res
	}
	for i := period - 1; i < n; i++ {
		mean := res.Middle[i]
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		res.Upper[i] = mean + stdDev*sd
		res.Lower[i] = mean - stdDev*sd
	}
	return res
}

// StochasticResult bundles the %K and %D lines.
type StochasticResult struct {
	K []float64
	D []float64
}

// Stochastic returns the stochastic oscillator with kPeriod lookback and
// a dPeriod SMA smoothing of %K.
func Stochastic(bars []types.OHLCV, kPeriod, dPeriod int) StochasticResult {
	n := len(bars)
	res := StochasticResult{K: undefinedSeries(n), D: undefinedSeries(n)}
	if kPeriod <= 0 || n < kPeriod {
		return res
	}
	for i := kPeriod - 1; i < n; i++ {
		hi, lo := bars[i].High, bars[i].Low
		for j := i - kPeriod + 1; j <= i; j++ {
			hi = math.Max(hi, bars[j].High)
			lo = math.Min(lo, bars[j].Low)
		}
		if hi == lo {
			res.K[i] = 50
			continue
		}
		res.K[i] = (bars[i].Close - lo) / (hi - lo) * 100
	}
	// %D over the defined span of %K.
	defined := res.K[kPeriod-1:]
	d := SMA(defined, dPeriod)
	for i, v := range d {
		res.D[kPeriod-1+i] = v
	}
	return res
}

// ADXResult bundles the directional movement lines.
type ADXResult struct {
	ADX     []float64
	PlusDI  []float64
	MinusDI []float64
}

// ADX returns the average directional index over period using Wilder
// smoothing for the directional movement, DI and DX averages.
func ADX(bars []types.OHLCV, period int) ADXResult {
	n := len(bars)
	res := ADXResult{
		ADX:     undefinedSeries(n),
		PlusDI:  undefinedSeries(n),
		MinusDI: undefinedSeries(n),
	}
	if period <= 0 || n <= 2*period {
		return res
	}
	tr := TrueRange(bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}
	dx := undefinedSeries(n)
	setDI := func(i int) {
		if smTR == 0 {
			res.PlusDI[i] = 0
			res.MinusDI[i] = 0
			dx[i] = 0
			return
		}
		res.PlusDI[i] = 100 * smPlus / smTR
		res.MinusDI[i] = 100 * smMinus / smTR
		sum := res.PlusDI[i] + res.MinusDI[i]
		if sum == 0 {
			dx[i] = 0
			return
		}
		dx[i] = 100 * math.Abs(res.PlusDI[i]-res.MinusDI[i]) / sum
	}
	setDI(period)
	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		setDI(i)
	}
	seed := 0.0
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}
	res.ADX[2*period-1] = seed / float64(period)
	for i := 2 * period; i < n; i++ {
		res.ADX[i] = (res.ADX[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return res
}

// SAR returns the parabolic stop-and-reverse series with the given
// acceleration step and maximum.
func SAR(bars []types.OHLCV, step, maxStep float64) []float64 {
	n := len(bars)
	out := undefinedSeries(n)
	if n < 2 {
		return out
	}
	long := bars[1].Close >= bars[0].Close
	af := step
	var sar, ep float64
	if long {
		sar = bars[0].Low
		ep = bars[1].High
	} else {
		sar = bars[0].High
		ep = bars[1].Low
	}
	out[1] = sar
	for i := 2; i < n; i++ {
		sar = sar + af*(ep-sar)
		if long {
			// SAR may never enter the prior two bars' range.
			sar = math.Min(sar, math.Min(bars[i-1].Low, bars[i-2].Low))
			if bars[i].Low < sar {
				long = false
				sar = ep
				ep = bars[i].Low
				af = step
			} else if bars[i].High > ep {
				ep = bars[i].High
				af = math.Min(af+step, maxStep)
			}
		} else {
			sar = math.Max(sar, math.Max(bars[i-1].High, bars[i-2].High))
			if bars[i].High > sar {
				long = true
				sar = ep
				ep = bars[i].High
				af = step
			} else if bars[i].Low < ep {
				ep = bars[i].Low
				af = math.Min(af+step, maxStep)
			}
		}
		out[i] = sar
	}
	return out
}

// OBV returns the on-balance volume series.
func OBV(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	if len(bars) == 0 {
		return out
	}
	out[0] = bars[0].Volume
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			out[i] = out[i-1] + bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			out[i] = out[i-1] - bars[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}
