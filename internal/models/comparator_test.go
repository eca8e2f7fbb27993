package models

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCompareTable(t *testing.T) {
	cases := []struct {
		l, r float64
		op   Comparator
		want bool
	}{
		{2, 1, CmpOver, true},
		{1, 2, CmpOver, false},
		{1, 2, CmpUnder, true},
		{1, 1 + 1e-13, CmpEq, true},
		{1, 1.001, CmpEq, false},
		{1, 1, CmpLte, true},
		{1, 1, CmpGte, true},
		{1, 1, "between", false},
		{1, 1, CmpNone, false},
		{math.NaN(), 1, CmpOver, false},
		{1, math.Inf(1), CmpUnder, false},
		{math.Inf(-1), 0, CmpLte, false},
	}
	for _, c := range cases {
		if got := Compare(c.l, c.op, c.r); got != c.want {
			t.Errorf("Compare(%v %s %v) = %v, want %v", c.l, c.op, c.r, got, c.want)
		}
	}
}

func TestCompareProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("comparators match arithmetic for finite operands", prop.ForAll(
		func(l, r float64) bool {
			return Compare(l, CmpOver, r) == (l > r) &&
				Compare(l, CmpUnder, r) == (l < r) &&
				Compare(l, CmpLte, r) == (l <= r) &&
				Compare(l, CmpGte, r) == (l >= r) &&
				Compare(l, CmpEq, r) == (math.Abs(l-r) < Epsilon)
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("non-finite operand is always false", prop.ForAll(
		func(v float64, i int) bool {
			bad := []float64{math.NaN(), math.Inf(1), math.Inf(-1)}[i]
			for _, op := range []Comparator{CmpOver, CmpUnder, CmpEq, CmpLte, CmpGte} {
				if Compare(bad, op, v) || Compare(v, op, bad) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1e6, 1e6),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
