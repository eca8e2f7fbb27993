package indicator

import (
	"fmt"

	"futures_engine/internal/models"
)

// ErrInsufficientData текст ошибки при нехватке истории.
const ErrInsufficientData = "insufficient data"

const (
	defaultADXThreshold = 25.0
)

// Input рыночные данные и контекст для одного узла.
type Input struct {
	Candles   []models.Candle // oldest-first
	Current   *models.Candle
	Previous  *models.Candle
	Values    map[string]float64 // значения других индикаторных узлов
	Direction models.Direction
}

// Result результат оценки узла. Value=nil при ошибке.
type Result struct {
	Value   *float64
	Signal  bool
	Error   string
	Details map[string]any
}

// Calculator оценивает индикаторные узлы. Без состояния.
type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Evaluate никогда не паникует наружу: ошибки дают signal=false.
func (c *Calculator) Evaluate(spec Spec, in Input) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Error: fmt.Sprint(p)}
		}
	}()

	value, details, err := c.value(spec, in)
	if err != "" {
		return Result{Error: err}
	}

	res = Result{Value: &value, Details: details}

	if spec.Type == TypeDMI && isComposite(spec.Config) {
		res.Signal = compositeDMI(spec.Config, details, in.Direction)
		return res
	}
	res.Signal = c.compare(spec, value, in)
	return res
}

func (c *Calculator) value(spec Spec, in Input) (float64, map[string]any, string) {
	closes := Closes(in.Candles)
	if len(closes) == 0 {
		return 0, nil, ErrInsufficientData
	}
	cfg := spec.Config

	switch spec.Type {
	case TypeRSI:
		v, ok := RSI(closes, intOr(cfg.Period, 14))
		if !ok {
			return 0, nil, ErrInsufficientData
		}
		return v, nil, ""

	case TypeMA:
		v, ok := SMA(closes, intOr(cfg.Period, 20))
		if !ok {
			return 0, nil, ErrInsufficientData
		}
		return v, nil, ""

	case TypeBollinger:
		bb, ok := Bollinger(closes, intOr(cfg.Length, 20), floatOr(cfg.StandardDeviation, 2))
		if !ok {
			return 0, nil, ErrInsufficientData
		}
		switch spec.Metric {
		case "upper":
			return bb.Upper, nil, ""
		case "lower":
			return bb.Lower, nil, ""
		default:
			return bb.Middle, nil, ""
		}

	case TypeMACD:
		m, ok := MACD(closes, cfg.macdFast(), cfg.macdSlow(), cfg.macdSignal())
		if !ok {
			return 0, nil, ErrInsufficientData
		}
		switch spec.Metric {
		case "signal":
			return m.Signal, nil, ""
		case "histogram":
			return m.Histogram, nil, ""
		default:
			return m.MACD, nil, ""
		}

	case TypeDMI:
		d, ok := DMIPeriods(Highs(in.Candles), Lows(in.Candles), closes, cfg.dmiDIPeriod(), cfg.dmiADXPeriod())
		if !ok {
			return 0, nil, ErrInsufficientData
		}
		details := map[string]any{
			"adx":           d.ADX,
			"plusDI":        d.PlusDI,
			"minusDI":       d.MinusDI,
			"diComparison":  cfg.DIComparison,
			"adxThreshold":  adxThreshold(cfg),
			"adxComparator": string(adxComparator(cfg)),
		}
		if cfg.ADXVsDI != "" {
			details["adxVsDi"] = cfg.ADXVsDI
		}
		return d.ADX, details, ""
	}
	return 0, nil, fmt.Sprintf("unknown indicator type %q", spec.Type)
}

func (c *Calculator) compare(spec Spec, value float64, in Input) bool {
	cmp := spec.Comparison
	switch cmp.Kind {
	case CompareValue:
		return models.Compare(value, cmp.Comparator, cmp.Value)

	case CompareCandle:
		pair := models.CandlePair{Current: in.Current, Previous: in.Previous}
		candle := pair.Pick(cmp.Reference)
		if candle == nil {
			return false
		}
		target, ok := candle.Field(cmp.Field)
		if !ok {
			return false
		}
		return models.Compare(value, cmp.Comparator, target)

	case CompareIndicator:
		target, ok := in.Values[cmp.TargetIndicatorID]
		if !ok {
			return false
		}
		return models.Compare(value, cmp.Comparator, target)

	case CompareNone, "":
		// без сравнения решает собственное правило индикатора, если оно задано
		if !HasRule(spec.Type, spec.Config) {
			return true
		}
		signal, ok := EvaluateRule(spec.Type, spec.Config, in.Candles)
		return ok && signal
	}
	return false
}

func isComposite(cfg Config) bool {
	return cfg.ADX != nil && cfg.ADX.Enabled && cfg.DIComparison != ""
}

// compositeDMI: порог ADX, затем доминирование DI по направлению, затем опциональный adxVsDi.
func compositeDMI(cfg Config, details map[string]any, dir models.Direction) bool {
	adx, _ := details["adx"].(float64)
	plus, _ := details["plusDI"].(float64)
	minus, _ := details["minusDI"].(float64)

	if !models.Compare(adx, adxComparator(cfg), adxThreshold(cfg)) {
		return false
	}

	var dominance bool
	switch {
	case dir == models.Long:
		dominance = plus > minus
	case dir == models.Short:
		dominance = minus > plus
	case cfg.DIComparison == "minus_over_plus":
		dominance = minus > plus
	default:
		dominance = plus > minus
	}
	if !dominance {
		return false
	}

	if cfg.ADXVsDI != "" && cfg.ADXVsDI != "none" {
		return adxVsDI(cfg.ADXVsDI, DMIResult{PlusDI: plus, MinusDI: minus, ADX: adx})
	}
	return true
}

func adxThreshold(cfg Config) float64 {
	if cfg.ADX == nil || cfg.ADX.Value == 0 {
		return defaultADXThreshold
	}
	return cfg.ADX.Value
}

func adxComparator(cfg Config) models.Comparator {
	if cfg.ADX == nil {
		return models.CmpOver
	}
	return comparatorOr(cfg.ADX.Comparator)
}
