// Package indicator содержит чистую математику индикаторов и оценку индикаторных узлов.
// Функции не хранят состояния и не делают I/O; при нехватке истории возвращают ok=false.
package indicator

import "math"

// MACDResult последняя точка MACD.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// BollingerResult последняя точка полос Боллинджера.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// StochasticResult %K и %D.
type StochasticResult struct {
	K float64
	D float64
}

// DMIResult последняя точка DMI/ADX.
type DMIResult struct {
	PlusDI  float64
	MinusDI float64
	ADX     float64
}

// SMA среднее последних period значений.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return mean(values[len(values)-period:]), true
}

// EMA с затравкой SMA по первому окну.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	k := 2.0 / float64(period+1)
	ema := mean(values[:period])
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
	}
	return ema, true
}

// RSI по Уайлдеру, нужно period+1 значений.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	p := float64(period)
	avgGain, avgLoss := gain/p, loss/p
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD: линия = EMA(fast) - EMA(slow), сигнал = EMA истории линии.
func MACD(values []float64, fast, slow, signal int) (MACDResult, bool) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow || len(values) < slow+signal {
		return MACDResult{}, false
	}
	fastS := emaSeededSeries(values, fast)
	slowS := emaSeededSeries(values, slow)

	hist := make([]float64, 0, len(values)-slow+1)
	for i := slow - 1; i < len(values); i++ {
		hist = append(hist, fastS[i]-slowS[i])
	}
	sig, ok := EMA(hist, signal)
	if !ok {
		return MACDResult{}, false
	}
	line := hist[len(hist)-1]
	return MACDResult{MACD: line, Signal: sig, Histogram: line - sig}, true
}

// Bollinger: middle = SMA, полосы = middle ± k*stddev (популяционное).
func Bollinger(values []float64, period int, k float64) (BollingerResult, bool) {
	if period <= 0 || len(values) < period {
		return BollingerResult{}, false
	}
	window := values[len(values)-period:]
	m := mean(window)
	sd := stddev(window, m)
	return BollingerResult{Upper: m + k*sd, Middle: m, Lower: m - k*sd}, true
}

// ATR по Уайлдеру: затравка средним первых period TR.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := alignedLen(highs, lows, closes)
	if period <= 0 || n < period+1 {
		return 0, false
	}
	trs := trueRanges(highs, lows, closes, n)
	p := float64(period)
	atr := mean(trs[:period])
	for _, tr := range trs[period:] {
		atr = (atr*(p-1) + tr) / p
	}
	return atr, true
}

// Stochastic: %K по окну period, %D = SMA последних dPeriod значений %K.
func Stochastic(highs, lows, closes []float64, period, dPeriod int) (StochasticResult, bool) {
	n := alignedLen(highs, lows, closes)
	if period <= 0 || n < period {
		return StochasticResult{}, false
	}
	if dPeriod <= 0 {
		dPeriod = 3
	}
	ks := make([]float64, 0, dPeriod)
	for end := n - dPeriod; end < n; end++ {
		if end < period-1 {
			continue
		}
		ks = append(ks, percentK(highs, lows, closes, end, period))
	}
	return StochasticResult{K: ks[len(ks)-1], D: mean(ks)}, true
}

func percentK(highs, lows, closes []float64, end, period int) float64 {
	hh, ll := math.Inf(-1), math.Inf(1)
	for i := end - period + 1; i <= end; i++ {
		hh = math.Max(hh, highs[i])
		ll = math.Min(ll, lows[i])
	}
	if hh == ll {
		return 50
	}
	return (closes[end] - ll) / (hh - ll) * 100
}

// VWAP за последние period свечей.
func VWAP(closes, volumes []float64, period int) (float64, bool) {
	n := len(closes)
	if len(volumes) < n {
		n = len(volumes)
	}
	if period <= 0 || n < period {
		return 0, false
	}
	var pv, v float64
	for i := n - period; i < n; i++ {
		pv += closes[i] * volumes[i]
		v += volumes[i]
	}
	if v == 0 {
		return 0, false
	}
	return pv / v, true
}

// DMI с одинаковым периодом DI и ADX, нужно 2*period+1 свечей.
func DMI(highs, lows, closes []float64, period int) (DMIResult, bool) {
	return DMIPeriods(highs, lows, closes, period, period)
}

// DMIPeriods DMI с раздельными периодами DI и сглаживания ADX.
func DMIPeriods(highs, lows, closes []float64, diPeriod, adxPeriod int) (DMIResult, bool) {
	plus, minus, adx, ok := dmiSeries(highs, lows, closes, diPeriod, adxPeriod)
	if !ok {
		return DMIResult{}, false
	}
	last := len(adx) - 1
	return DMIResult{PlusDI: plus[last], MinusDI: minus[last], ADX: adx[last]}, true
}

// dmiSeries возвращает выровненные по входу ряды +DI, -DI, ADX (NaN до готовности).
func dmiSeries(highs, lows, closes []float64, diPeriod, adxPeriod int) (plus, minus, adx []float64, ok bool) {
	n := alignedLen(highs, lows, closes)
	if diPeriod <= 0 || adxPeriod <= 0 || n < diPeriod+adxPeriod+1 {
		return nil, nil, nil, false
	}

	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	trs := trueRanges(highs, lows, closes, n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	plus = nanSlice(n)
	minus = nanSlice(n)
	adx = nanSlice(n)

	p := float64(diPeriod)
	var sTR, sP, sM float64
	for i := 0; i < diPeriod; i++ {
		sTR += trs[i]
		sP += plusDM[i]
		sM += minusDM[i]
	}

	dxs := make([]float64, 0, n-diPeriod)
	for i := diPeriod - 1; i < n-1; i++ {
		if i >= diPeriod {
			sTR = sTR - sTR/p + trs[i]
			sP = sP - sP/p + plusDM[i]
			sM = sM - sM/p + minusDM[i]
		}
		var pdi, mdi float64
		if sTR != 0 {
			pdi = sP / sTR * 100
			mdi = sM / sTR * 100
		}
		var dx float64
		if sum := pdi + mdi; sum != 0 {
			dx = math.Abs(pdi-mdi) / sum * 100
		}
		// индекс в исходных свечах на 1 больше индекса приращения
		plus[i+1] = pdi
		minus[i+1] = mdi
		dxs = append(dxs, dx)
	}

	a := float64(adxPeriod)
	cur := mean(dxs[:adxPeriod])
	first := diPeriod + adxPeriod - 1 // индекс свечи, где ADX готов
	adx[first] = cur
	for j := adxPeriod; j < len(dxs); j++ {
		cur = (cur*(a-1) + dxs[j]) / a
		adx[diPeriod+j] = cur
	}
	return plus, minus, adx, true
}

func trueRanges(highs, lows, closes []float64, n int) []float64 {
	trs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trs[i-1] = math.Max(hl, math.Max(hc, lc))
	}
	return trs
}

// emaSeededSeries EMA-ряд с затравкой SMA, NaN до period-1.
func emaSeededSeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	k := 2.0 / float64(period+1)
	ema := mean(values[:period])
	out[period-1] = ema
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*k + ema
		out[i] = ema
	}
	return out
}

func alignedLen(a, b, c []float64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if len(c) < n {
		n = len(c)
	}
	return n
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	var s float64
	for _, v := range values {
		d := v - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(values)))
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
