package planner

import (
	"math"
)

// Resolver разрешает ссылки на цену по выровненным сериям индикаторов (id узла -> серия).
type Resolver struct {
	Series map[string][]float64
}

func NewResolver(series map[string][]float64) Resolver {
	return Resolver{Series: series}
}

// Resolve цена по ссылке, ok=false если разрешить нельзя.
func (r Resolver) Resolve(ref string) (float64, bool) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return 0, false
	}
	v := r.resolve(parsed)
	if !finite(v) {
		return 0, false
	}
	return v, true
}

// Price как Resolve, но с ошибкой.
func (r Resolver) Price(ref string) (float64, error) {
	if _, err := ParseRef(ref); err != nil {
		return 0, err
	}
	v, ok := r.Resolve(ref)
	if !ok {
		return 0, ErrUnresolvedPrice
	}
	return v, nil
}

func (r Resolver) resolve(ref Ref) float64 {
	switch ref.Kind {
	case RefIndicator:
		return r.at(ref.A)
	case RefCross:
		return r.cross(ref)
	case RefOffset:
		return r.at(ref.A) * (1 + ref.Pct/100)
	}

	a, b := r.at(ref.A), r.at(ref.B)
	if !finite(a) || !finite(b) {
		return math.NaN()
	}
	switch ref.Kind {
	case RefMin:
		return math.Min(a, b)
	case RefMax:
		return math.Max(a, b)
	case RefAvg:
		return (a + b) / 2
	case RefRatio:
		if b == 0 {
			return math.NaN()
		}
		return a / b
	}
	return math.NaN()
}

// at последнее конечное значение серии.
func (r Resolver) at(id string) float64 {
	s := r.Series[id]
	for i := len(s) - 1; i >= 0; i-- {
		if finite(s[i]) {
			return s[i]
		}
	}
	return math.NaN()
}

func (r Resolver) cross(ref Ref) float64 {
	a, b := r.Series[ref.A], r.Series[ref.B]
	if len(a) < 2 || len(b) < 2 {
		return math.NaN()
	}
	n := min(len(a), len(b))
	a, b = a[len(a)-n:], b[len(b)-n:]
	i, ok := crossIndex(a, b, ref.Dir, ref.When)
	if !ok {
		return math.NaN()
	}
	a0, b0 := a[i], b[i]
	if ref.Linear {
		if v, ok := interpolate(a[i-1], a0, b[i-1], b0); ok {
			return v
		}
	}
	return (a0 + b0) / 2
}

// crossIndex идёт с конца и ищет смену знака a-b. recent первая найденная, previous вторая.
// Серии уже выровнены по длине.
func crossIndex(a, b []float64, dir CrossDir, when CrossWhen) (int, bool) {
	found := -1
	for i := len(a) - 1; i >= 1; i-- {
		a0, a1, b0, b1 := a[i], a[i-1], b[i], b[i-1]
		if !finite(a0) || !finite(a1) || !finite(b0) || !finite(b1) {
			continue
		}
		up := a1 <= b1 && a0 > b0
		down := a1 >= b1 && a0 < b0
		var hit bool
		switch dir {
		case CrossUp:
			hit = up
		case CrossDown:
			hit = down
		default:
			hit = up || down
		}
		if !hit {
			continue
		}
		if found < 0 {
			found = i
			if when != WhenPrevious {
				return found, true
			}
			continue
		}
		return i, true
	}
	if when == WhenPrevious || found < 0 {
		return 0, false
	}
	return found, true
}

func interpolate(a1, a0, b1, b0 float64) (float64, bool) {
	da, db := a0-a1, b0-b1
	denom := da - db
	if !finite(denom) || math.Abs(denom) < 1e-12 {
		return 0, false
	}
	t := (b1 - a1) / denom
	if t < 0 || t > 1 {
		return 0, false
	}
	return a1 + t*da, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
