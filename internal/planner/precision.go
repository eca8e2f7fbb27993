package planner

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundMode направление округления.
type RoundMode string

const (
	RoundFloor RoundMode = "floor"
	RoundCeil  RoundMode = "ceil"
	RoundHalf  RoundMode = "round"
)

var tolerance = decimal.NewFromFloat(1e-8)

// ApplyPrecision округляет до decimals знаков. Отрицательная точность и нефинитное значение не меняются.
func ApplyPrecision(v float64, decimals int32, mode RoundMode) float64 {
	if !finite(v) || decimals < 0 {
		return v
	}
	scaled := decimal.NewFromFloat(v).Shift(decimals)
	return round(scaled, mode).Shift(-decimals).InexactFloat64()
}

// RoundToStep округляет до кратного step. step <= 0 значит без ограничения.
func RoundToStep(v, step float64, mode RoundMode) float64 {
	if !finite(v) || !(step > 0) {
		return v
	}
	s := decimal.NewFromFloat(step)
	units := round(decimal.NewFromFloat(v).Div(s), mode)
	return units.Mul(s).InexactFloat64()
}

func round(d decimal.Decimal, mode RoundMode) decimal.Decimal {
	switch mode {
	case RoundFloor:
		return d.Add(tolerance).Floor()
	case RoundCeil:
		return d.Sub(tolerance).Ceil()
	default:
		return d.Round(0)
	}
}

// StepDecimals число знаков шага: 0.001 -> 3, 1 -> 0.
func StepDecimals(step float64) int32 {
	if !(step > 0) {
		return 0
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// QuantityForNotional количество под целевой номинал: floor к шагу и не меньше minQty.
// Возвращает количество и фактический номинал.
func QuantityForNotional(price, notional, minQty, step, ctVal float64) (float64, float64) {
	unit := price * contractValue(ctVal)
	if !(unit > 0) || !(notional > 0) {
		return 0, 0
	}
	qty := RoundToStep(notional/unit, step, RoundFloor)
	if minQty > 0 && qty < minQty {
		qty = RoundToStep(minQty, step, RoundCeil)
	}
	return qty, notionalOf(qty, unit)
}

// quantityCeil количество, гарантирующее номинал не меньше заданного.
func quantityCeil(price, notional, minQty, step, ctVal float64) (float64, float64) {
	unit := price * contractValue(ctVal)
	if !(unit > 0) || !(notional > 0) {
		return 0, 0
	}
	qty := RoundToStep(notional/unit, step, RoundCeil)
	if step > 0 && notionalOf(qty, unit) < notional {
		// допуск ceil срезал дробную часть шага
		qty = decimal.NewFromFloat(qty).Add(decimal.NewFromFloat(step)).InexactFloat64()
	}
	if minQty > 0 && qty < minQty {
		qty = RoundToStep(minQty, step, RoundCeil)
	}
	return qty, notionalOf(qty, unit)
}

func notionalOf(qty, unit float64) float64 {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(unit)).InexactFloat64()
}

func contractValue(ctVal float64) float64 {
	if !(ctVal > 0) || math.IsInf(ctVal, 0) {
		return 1
	}
	return ctVal
}
