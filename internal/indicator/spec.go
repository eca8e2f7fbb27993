package indicator

import "futures_engine/internal/models"

// Type тип индикатора.
type Type string

const (
	TypeMA        Type = "ma"
	TypeRSI       Type = "rsi"
	TypeBollinger Type = "bollinger"
	TypeMACD      Type = "macd"
	TypeDMI       Type = "dmi"
)

// Threshold порог для ADX / +DI / -DI.
type Threshold struct {
	Enabled    bool              `json:"enabled"`
	Comparator models.Comparator `json:"comparator,omitempty"`
	Value      float64           `json:"value"`
}

// Config настройки индикатора. Поля используются в зависимости от типа.
type Config struct {
	// ma, rsi
	Period  int      `json:"period,omitempty"`
	Actions []string `json:"actions,omitempty"`

	// rsi
	Smoothing string   `json:"smoothing,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`

	// bollinger
	Length            int      `json:"length,omitempty"`
	StandardDeviation float64  `json:"standardDeviation,omitempty"`
	Band              string   `json:"band,omitempty"`
	Action            string   `json:"action,omitempty"`
	TouchTolerancePct *float64 `json:"touchTolerancePct,omitempty"`

	// macd
	Fast            int    `json:"fast,omitempty"`
	Slow            int    `json:"slow,omitempty"`
	Signal          int    `json:"signal,omitempty"`
	Method          string `json:"method,omitempty"`
	Comparison      string `json:"comparison,omitempty"`
	HistogramAction string `json:"histogramAction,omitempty"`

	// dmi
	DIPeriod     int        `json:"diPeriod,omitempty"`
	ADXPeriod    int        `json:"adxPeriod,omitempty"`
	DIComparison string     `json:"diComparison,omitempty"`
	ADX          *Threshold `json:"adx,omitempty"`
	DIPlus       *Threshold `json:"diPlus,omitempty"`
	DIMinus      *Threshold `json:"diMinus,omitempty"`
	ADXVsDI      string     `json:"adxVsDi,omitempty"`
}

// ComparisonKind с чем сравнивается значение индикатора.
type ComparisonKind string

const (
	CompareNone      ComparisonKind = "none"
	CompareValue     ComparisonKind = "value"
	CompareCandle    ComparisonKind = "candle"
	CompareIndicator ComparisonKind = "indicator"
)

// Comparison условие сравнения индикаторного узла.
type Comparison struct {
	Kind              ComparisonKind         `json:"kind"`
	Comparator        models.Comparator      `json:"comparator,omitempty"`
	Value             float64                `json:"value,omitempty"`
	Field             models.CandleField     `json:"field,omitempty"`
	Reference         models.CandleReference `json:"reference,omitempty"`
	TargetIndicatorID string                 `json:"targetIndicatorId,omitempty"`
}

// Spec всё, что нужно для оценки одного индикаторного узла.
type Spec struct {
	Type       Type                   `json:"type"`
	Config     Config                 `json:"config"`
	Comparison Comparison             `json:"comparison"`
	Metric     string                 `json:"metric,omitempty"`
	Reference  models.CandleReference `json:"reference,omitempty"`
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func intMin(v, def, lo int) int {
	v = intOr(v, def)
	if v < lo {
		return lo
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func ptrOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// periods с дефолтами и нижними границами, общие для расчёта и правил.
func (c Config) maPeriod() int { return intMin(c.Period, 20, 1) }
func (c Config) rsiPeriod() int { return intMin(c.Period, 14, 2) }
func (c Config) bbLength() int { return intMin(c.Length, 20, 2) }
func (c Config) bbStdDev() float64 { return maxf(floatOr(c.StandardDeviation, 2), 0.1) }
func (c Config) macdFast() int { return intOr(c.Fast, 12) }
func (c Config) macdSlow() int { return intOr(c.Slow, 26) }
func (c Config) macdSignal() int { return intOr(c.Signal, 9) }
func (c Config) dmiDIPeriod() int { return intMin(firstPositive(c.DIPeriod, c.Period), 14, 2) }
func (c Config) dmiADXPeriod() int { return intMin(firstPositive(c.ADXPeriod, c.Period), 14, 2) }
func (c Config) rsiThreshold() float64 { return ptrOr(c.Threshold, 50) }

func firstPositive(vs ...int) int {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
