package indicator

import (
	"math"
	"strings"

	"futures_engine/internal/models"
)

// HasRule сообщает, задаёт ли конфиг собственное правило сигнала.
func HasRule(t Type, c Config) bool {
	switch t {
	case TypeMA, TypeRSI:
		return len(c.Actions) > 0 || (t == TypeRSI && c.Threshold != nil)
	case TypeBollinger:
		return c.Band != "" || c.Action != ""
	case TypeMACD:
		return c.Comparison != "" || c.HistogramAction != ""
	case TypeDMI:
		return c.DIComparison != "" || c.ADX != nil || c.DIPlus != nil || c.DIMinus != nil ||
			(c.ADXVsDI != "" && c.ADXVsDI != "none")
	}
	return false
}

// EvaluateRule решает собственное правило индикатора по последним двум точкам ряда.
// ok=false, если истории не хватает.
func EvaluateRule(t Type, c Config, candles []models.Candle) (signal bool, ok bool) {
	closes := Closes(candles)
	if len(closes) < 2 {
		return false, false
	}
	c0, c1 := lastTwo(closes)

	switch t {
	case TypeMA:
		m0, m1 := lastTwo(SMASeries(closes, c.maPeriod()))
		if !finite(m0) {
			return false, false
		}
		if len(c.Actions) == 0 {
			return c0 > m0, true
		}
		for _, a := range c.Actions {
			if maAction(a, c0, c1, m0, m1) {
				return true, true
			}
		}
		return false, true

	case TypeRSI:
		r0, r1 := lastTwo(RSISeries(closes, c.rsiPeriod(), c.Smoothing))
		if !finite(r0) {
			return false, false
		}
		th := c.rsiThreshold()
		if len(c.Actions) == 0 {
			return r0 > th, true
		}
		for _, a := range c.Actions {
			if rsiAction(a, r0, r1, th) {
				return true, true
			}
		}
		return false, true

	case TypeBollinger:
		band := bollingerBand(closes, c)
		b0, b1 := lastTwo(band)
		if !finite(b0) {
			return false, false
		}
		return bollingerAction(c, c0, c1, b0, b1), true

	case TypeMACD:
		m := MACDSeries(closes, c.macdFast(), c.macdSlow(), c.macdSignal(), macdMethod(c))
		m0, _ := lastTwo(m.MACD)
		s0, _ := lastTwo(m.Signal)
		h0, h1 := lastTwo(m.Histogram)
		if !finite(m0, s0) {
			return false, false
		}
		return macdRule(c, m0, s0, h0, h1), true

	case TypeDMI:
		snap, ok := DMIPeriods(Highs(candles), Lows(candles), closes, c.dmiDIPeriod(), c.dmiADXPeriod())
		if !ok {
			return false, false
		}
		return dmiRule(c, snap), true
	}
	return false, false
}

func maAction(a string, c0, c1, m0, m1 float64) bool {
	switch a {
	case "break_above":
		return finite(c1, m1) && c1 <= m1 && c0 > m0
	case "break_below":
		return finite(c1, m1) && c1 >= m1 && c0 < m0
	case "stay_above":
		return finite(c1, m1) && c0 > m0 && c1 > m1
	case "stay_below":
		return finite(c1, m1) && c0 < m0 && c1 < m1
	}
	return false
}

func rsiAction(a string, r0, r1, th float64) bool {
	switch a {
	case "cross_above":
		return finite(r1) && r1 <= th && r0 > th
	case "cross_below":
		return finite(r1) && r1 >= th && r0 < th
	case "stay_above":
		return finite(r1) && r0 > th && r1 > th
	case "stay_below":
		return finite(r1) && r0 < th && r1 < th
	}
	return false
}

func bollingerBand(closes []float64, c Config) []float64 {
	length, k := c.bbLength(), c.bbStdDev()
	mid := SMASeries(closes, length)
	band := strings.ToLower(c.Band)
	if band == "" || band == "middle" {
		return mid
	}
	sd := StdSeries(closes, length)
	out := nanSlice(len(closes))
	for i := range out {
		if !finite(mid[i], sd[i]) {
			continue
		}
		if band == "upper" {
			out[i] = mid[i] + k*sd[i]
		} else {
			out[i] = mid[i] - k*sd[i]
		}
	}
	return out
}

func bollingerAction(c Config, c0, c1, b0, b1 float64) bool {
	switch c.Action {
	case "break_above":
		return finite(c1, b1) && c0 > b0 && c1 <= b1
	case "break_below":
		return finite(c1, b1) && c0 < b0 && c1 >= b1
	default: // touch
		tol := ptrOr(c.TouchTolerancePct, 0.2)
		if c.Band == "" || c.Band == "middle" {
			tol *= 0.75
		}
		if b0 == 0 {
			return false
		}
		return math.Abs(c0-b0)/math.Abs(b0)*100 <= tol
	}
}

func macdMethod(c Config) string {
	if strings.EqualFold(c.Method, "sma") {
		return "sma"
	}
	return "ema"
}

func macdRule(c Config, m0, s0, h0, h1 float64) bool {
	var checks []bool
	switch c.Comparison {
	case "macd_over_signal":
		checks = append(checks, m0 > s0)
	case "macd_under_signal":
		checks = append(checks, m0 < s0)
	}
	switch c.HistogramAction {
	case "increasing":
		checks = append(checks, finite(h0, h1) && h0 > h1)
	case "decreasing":
		checks = append(checks, finite(h0, h1) && h0 < h1)
	}
	if len(checks) == 0 {
		return m0 > s0
	}
	return all(checks)
}

func dmiRule(c Config, d DMIResult) bool {
	var checks []bool
	switch c.DIComparison {
	case "plus_over_minus":
		checks = append(checks, d.PlusDI > d.MinusDI)
	case "minus_over_plus":
		checks = append(checks, d.MinusDI > d.PlusDI)
	}
	if th := c.ADX; th != nil && th.Enabled {
		checks = append(checks, models.Compare(d.ADX, comparatorOr(th.Comparator), th.Value))
	}
	if th := c.DIPlus; th != nil && th.Enabled {
		checks = append(checks, models.Compare(d.PlusDI, comparatorOr(th.Comparator), th.Value))
	}
	if th := c.DIMinus; th != nil && th.Enabled {
		checks = append(checks, models.Compare(d.MinusDI, comparatorOr(th.Comparator), th.Value))
	}
	if c.ADXVsDI != "" && c.ADXVsDI != "none" {
		checks = append(checks, adxVsDI(c.ADXVsDI, d))
	}
	if len(checks) == 0 {
		return d.PlusDI > d.MinusDI
	}
	return all(checks)
}

func adxVsDI(mode string, d DMIResult) bool {
	switch mode {
	case "adx_gt_di_plus":
		return d.ADX > d.PlusDI
	case "adx_lt_di_plus":
		return d.ADX < d.PlusDI
	case "adx_gt_di_minus":
		return d.ADX > d.MinusDI
	case "adx_lt_di_minus":
		return d.ADX < d.MinusDI
	}
	return false
}

func comparatorOr(c models.Comparator) models.Comparator {
	if c.Valid() {
		return c
	}
	return models.CmpOver
}

func all(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return len(bs) > 0
}

// NumericSeries числовой ряд узла для разрешения цен:
// ma -> sma, rsi, bollinger -> выбранная полоса, macd -> линия, dmi -> ADX.
func NumericSeries(t Type, c Config, candles []models.Candle) []float64 {
	closes := Closes(candles)
	switch t {
	case TypeMA:
		return SMASeries(closes, c.maPeriod())
	case TypeRSI:
		return RSISeries(closes, c.rsiPeriod(), c.Smoothing)
	case TypeBollinger:
		return bollingerBand(closes, c)
	case TypeMACD:
		return MACDSeries(closes, c.macdFast(), c.macdSlow(), c.macdSignal(), macdMethod(c)).MACD
	case TypeDMI:
		if d, ok := DMISeries(Highs(candles), Lows(candles), closes, c.dmiDIPeriod(), c.dmiADXPeriod()); ok {
			return d.ADX
		}
	}
	return nanSlice(len(closes))
}

// RequiredLookback сколько свечей нужно узлу: max(50, need+5).
func RequiredLookback(t Type, c Config) int {
	var need int
	switch t {
	case TypeMA:
		need = c.maPeriod()
	case TypeRSI:
		need = c.rsiPeriod() + 2
	case TypeBollinger:
		need = c.bbLength() + 2
	case TypeMACD:
		need = c.macdSlow() + c.macdSignal() + 2
	case TypeDMI:
		need = c.dmiDIPeriod() + c.dmiADXPeriod() + 2
	}
	if need+5 > 50 {
		return need + 5
	}
	return 50
}

// Closes / Highs / Lows / Volumes выборки рядов из свечей.
func Closes(candles []models.Candle) []float64 {
	return pluck(candles, func(c models.Candle) float64 { return c.Close })
}

func Highs(candles []models.Candle) []float64 {
	return pluck(candles, func(c models.Candle) float64 { return c.High })
}

func Lows(candles []models.Candle) []float64 {
	return pluck(candles, func(c models.Candle) float64 { return c.Low })
}

func Volumes(candles []models.Candle) []float64 {
	return pluck(candles, func(c models.Candle) float64 { return c.Volume })
}

func pluck(candles []models.Candle, f func(models.Candle) float64) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = f(c)
	}
	return out
}
