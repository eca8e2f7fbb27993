package indicator

import (
	"testing"
	"time"

	"futures_engine/internal/models"
)

func candlesFromCloses(closes []float64) []models.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
			Closed:   true,
		}
	}
	return out
}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestCalculatorValueComparison(t *testing.T) {
	calc := NewCalculator()
	candles := candlesFromCloses(linear(30, 100, 1))

	res := calc.Evaluate(Spec{
		Type:       TypeMA,
		Config:     Config{Period: 5},
		Comparison: Comparison{Kind: CompareValue, Comparator: models.CmpOver, Value: 120},
	}, Input{Candles: candles})

	if res.Value == nil {
		t.Fatalf("expected value, got error %q", res.Error)
	}
	// последние 5: 125..129
	assertClose(t, "ma", *res.Value, 127, 1e-12)
	if !res.Signal {
		t.Error("127 over 120 should signal")
	}
}

func TestCalculatorCandleComparison(t *testing.T) {
	calc := NewCalculator()
	candles := candlesFromCloses(linear(30, 100, 1))
	cur, prev := candles[29], candles[28]

	spec := Spec{
		Type:   TypeMA,
		Config: Config{Period: 5},
		Comparison: Comparison{
			Kind:       CompareCandle,
			Comparator: models.CmpUnder,
			Field:      models.FieldClose,
			Reference:  models.RefCurrent,
		},
	}
	res := calc.Evaluate(spec, Input{Candles: candles, Current: &cur, Previous: &prev})
	if !res.Signal {
		t.Error("ma 127 under close 129 should signal")
	}

	res = calc.Evaluate(spec, Input{Candles: candles})
	if res.Signal {
		t.Error("missing candle must fail closed")
	}
}

func TestCalculatorIndicatorComparison(t *testing.T) {
	calc := NewCalculator()
	candles := candlesFromCloses(linear(30, 100, 1))
	spec := Spec{
		Type:       TypeMA,
		Config:     Config{Period: 5},
		Comparison: Comparison{Kind: CompareIndicator, Comparator: models.CmpOver, TargetIndicatorID: "slow"},
	}

	res := calc.Evaluate(spec, Input{Candles: candles, Values: map[string]float64{"slow": 110}})
	if !res.Signal {
		t.Error("127 over 110 should signal")
	}
	res = calc.Evaluate(spec, Input{Candles: candles, Values: map[string]float64{}})
	if res.Signal {
		t.Error("absent target must fail closed")
	}
}

func TestCalculatorInsufficientData(t *testing.T) {
	calc := NewCalculator()
	res := calc.Evaluate(Spec{
		Type:       TypeRSI,
		Config:     Config{Period: 14},
		Comparison: Comparison{Kind: CompareNone},
	}, Input{Candles: candlesFromCloses(linear(5, 100, 1))})

	if res.Value != nil || res.Signal {
		t.Errorf("expected nil value and false signal, got %+v", res)
	}
	if res.Error != ErrInsufficientData {
		t.Errorf("error = %q", res.Error)
	}

	res = calc.Evaluate(Spec{Type: "ichimoku"}, Input{Candles: candlesFromCloses(linear(5, 100, 1))})
	if res.Signal || res.Error == "" {
		t.Error("unknown type must fail closed with an error")
	}
}

func TestCalculatorMetrics(t *testing.T) {
	calc := NewCalculator()
	candles := candlesFromCloses([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	for metric, want := range map[string]float64{"upper": 9, "middle": 5, "lower": 1} {
		res := calc.Evaluate(Spec{
			Type:       TypeBollinger,
			Config:     Config{Length: 8, StandardDeviation: 2},
			Metric:     metric,
			Comparison: Comparison{Kind: CompareNone},
		}, Input{Candles: candles})
		if res.Value == nil {
			t.Fatalf("%s: no value", metric)
		}
		assertClose(t, "bollinger "+metric, *res.Value, want, 1e-12)
		if !res.Signal {
			t.Errorf("%s: comparison none without rule must be true", metric)
		}
	}
}

func TestCalculatorNoneUsesRule(t *testing.T) {
	calc := NewCalculator()
	candles := candlesFromCloses(linear(60, 100, -1))

	res := calc.Evaluate(Spec{
		Type:       TypeRSI,
		Config:     Config{Period: 14, Actions: []string{"stay_above"}},
		Comparison: Comparison{Kind: CompareNone},
	}, Input{Candles: candles})
	if res.Value == nil {
		t.Fatal("expected value")
	}
	if res.Signal {
		t.Error("falling RSI cannot stay above 50")
	}
}

// ────────────────────────────────────────────────────────────
// DMI composite
// ────────────────────────────────────────────────────────────

func TestCompositeDMIAllSubConditions(t *testing.T) {
	cfg := Config{
		DIComparison: "plus_over_minus",
		ADX:          &Threshold{Enabled: true, Comparator: models.CmpOver, Value: 25},
		ADXVsDI:      "adx_gt_di_plus",
	}
	base := map[string]any{"adx": 30.0, "plusDI": 25.0, "minusDI": 10.0}
	if !compositeDMI(cfg, base, models.Long) {
		t.Fatal("all sub-conditions hold, composite must be true")
	}

	cases := []struct {
		name    string
		details map[string]any
		dir     models.Direction
	}{
		{"adx below threshold", map[string]any{"adx": 20.0, "plusDI": 15.0, "minusDI": 10.0}, models.Long},
		{"di dominance flipped by direction", base, models.Short},
		{"adx vs di fails", map[string]any{"adx": 30.0, "plusDI": 35.0, "minusDI": 10.0}, models.Long},
	}
	for _, c := range cases {
		if compositeDMI(cfg, c.details, c.dir) {
			t.Errorf("%s: composite must be false", c.name)
		}
	}
}

func TestCalculatorDMIComposite(t *testing.T) {
	calc := NewCalculator()
	h, l, c := trendCandles(40)
	candles := make([]models.Candle, len(c))
	for i := range c {
		candles[i] = models.Candle{High: h[i], Low: l[i], Close: c[i], Open: c[i]}
	}
	spec := Spec{
		Type: TypeDMI,
		Config: Config{
			DIPeriod:     14,
			ADXPeriod:    14,
			DIComparison: "plus_over_minus",
			ADX:          &Threshold{Enabled: true, Comparator: models.CmpOver, Value: 25},
		},
	}

	long := calc.Evaluate(spec, Input{Candles: candles, Direction: models.Long})
	if !long.Signal {
		t.Errorf("uptrend long composite should hold: %+v", long)
	}
	if long.Details["plusDI"] == nil {
		t.Error("dmi details must be present")
	}
	short := calc.Evaluate(spec, Input{Candles: candles, Direction: models.Short})
	if short.Signal {
		t.Error("uptrend short composite must fail")
	}
}
