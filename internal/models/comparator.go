package models

import "math"

// Comparator оператор сравнения в условиях.
type Comparator string

const (
	CmpOver  Comparator = "over"
	CmpUnder Comparator = "under"
	CmpEq    Comparator = "eq"
	CmpLte   Comparator = "lte"
	CmpGte   Comparator = "gte"
	CmpNone  Comparator = "none"
)

// Epsilon для eq.
const Epsilon = 1e-12

// Valid сообщает, известен ли оператор.
func (c Comparator) Valid() bool {
	switch c {
	case CmpOver, CmpUnder, CmpEq, CmpLte, CmpGte:
		return true
	}
	return false
}

// Compare: нефинитные операнды и неизвестный оператор всегда дают false.
func Compare(left float64, op Comparator, right float64) bool {
	if !isFinite(left) || !isFinite(right) {
		return false
	}
	switch op {
	case CmpOver:
		return left > right
	case CmpUnder:
		return left < right
	case CmpEq:
		return math.Abs(left-right) < Epsilon
	case CmpLte:
		return left <= right
	case CmpGte:
		return left >= right
	default:
		return false
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
