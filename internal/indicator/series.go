package indicator

import (
	"math"
	"strings"
)

// Полные ряды, выровненные по входу. Неготовые точки = NaN.

// SMASeries скользящее среднее.
func SMASeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	var sum float64
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

// EMASeries EMA с затравкой первым значением.
func EMASeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	prev := values[0]
	out[0] = prev
	for i := 1; i < len(values); i++ {
		v := values[i]
		if math.IsNaN(prev) {
			prev = v
		} else if !math.IsNaN(v) {
			prev = (v-prev)*k + prev
		}
		out[i] = prev
	}
	return out
}

// StdSeries популяционное стандартное отклонение по окну.
func StdSeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		w := values[i-period+1 : i+1]
		out[i] = stddev(w, mean(w))
	}
	return out
}

// RSISeries RSI со сглаживанием sma или ema.
func RSISeries(values []float64, period int, method string) []float64 {
	n := len(values)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}

	var ag, al []float64
	if strings.EqualFold(method, "ema") {
		ag, al = EMASeries(gains, period), EMASeries(losses, period)
	} else {
		ag, al = SMASeries(gains, period), SMASeries(losses, period)
	}

	out := nanSlice(n)
	for i := range out {
		if !finite(ag[i], al[i]) {
			continue
		}
		if s := ag[i] + al[i]; s != 0 {
			out[i] = 100 * ag[i] / s
		}
	}
	return out
}

// MACDSeriesResult ряды MACD.
type MACDSeriesResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDSeries считает линии методом ema или sma.
func MACDSeries(values []float64, fast, slow, signal int, method string) MACDSeriesResult {
	avg := EMASeries
	if strings.EqualFold(method, "sma") {
		avg = SMASeries
	}
	f := avg(values, fast)
	s := avg(values, slow)

	line := nanSlice(len(values))
	for i := range line {
		if finite(f[i], s[i]) {
			line[i] = f[i] - s[i]
		}
	}

	// сигнал считаем только по готовой части линии
	start := firstFinite(line)
	sig := nanSlice(len(values))
	if start >= 0 {
		part := avg(line[start:], signal)
		copy(sig[start:], part)
	}

	hist := nanSlice(len(values))
	for i := range hist {
		if finite(line[i], sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDSeriesResult{MACD: line, Signal: sig, Histogram: hist}
}

// DMISeriesResult ряды DMI.
type DMISeriesResult struct {
	PlusDI  []float64
	MinusDI []float64
	ADX     []float64
}

// DMISeries ряды +DI, -DI, ADX. ok=false при нехватке истории.
func DMISeries(highs, lows, closes []float64, diPeriod, adxPeriod int) (DMISeriesResult, bool) {
	p, m, a, ok := dmiSeries(highs, lows, closes, diPeriod, adxPeriod)
	if !ok {
		return DMISeriesResult{}, false
	}
	return DMISeriesResult{PlusDI: p, MinusDI: m, ADX: a}, true
}

func firstFinite(values []float64) int {
	for i, v := range values {
		if finite(v) {
			return i
		}
	}
	return -1
}

// lastTwo последнее и предпоследнее значения ряда.
func lastTwo(values []float64) (v0, v1 float64) {
	n := len(values)
	v0, v1 = math.NaN(), math.NaN()
	if n > 0 {
		v0 = values[n-1]
	}
	if n > 1 {
		v1 = values[n-2]
	}
	return v0, v1
}
