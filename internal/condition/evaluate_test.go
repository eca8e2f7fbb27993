package condition

import (
	"testing"
	"time"

	"futures_engine/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestGroupAggregation(t *testing.T) {
	cases := []struct {
		name    string
		op      Operator
		signals map[string]bool
		want    bool
	}{
		{"and all true", OpAnd, map[string]bool{"a": true, "b": true}, true},
		{"and one false", OpAnd, map[string]bool{"a": true, "b": false}, false},
		{"or one true", OpOr, map[string]bool{"a": false, "b": true}, true},
		{"or none", OpOr, map[string]bool{}, false},
		{"default operator is and", "", map[string]bool{"a": true}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := &GroupNode{ID: "root", Operator: c.op, Children: []Node{
				&IndicatorNode{ID: "a"},
				&IndicatorNode{ID: "b"},
			}}
			if got := Evaluate(root, Context{}, c.signals); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEmptyGroups(t *testing.T) {
	if !Evaluate(&GroupNode{ID: "g", Operator: OpAnd}, Context{}, nil) {
		t.Error("empty and must be true")
	}
	if Evaluate(&GroupNode{ID: "g", Operator: OpOr}, Context{}, nil) {
		t.Error("empty or must be false")
	}
	if Evaluate(nil, Context{}, nil) {
		t.Error("nil tree must be false")
	}
}

func TestTraceHasEveryNode(t *testing.T) {
	root := &GroupNode{ID: "root", Operator: OpAnd, Children: []Node{
		&IndicatorNode{ID: "first"},
		&GroupNode{ID: "inner", Operator: OpOr, Children: []Node{
			&IndicatorNode{ID: "x"},
			&ActionNode{ID: "act", Action: Action{Kind: models.ActionBuy}},
		}},
		&IndicatorNode{ID: "last"},
	}}
	res, trace := EvaluateWithTrace(root, Context{}, map[string]bool{"first": false, "x": true, "last": true})
	if res {
		t.Fatal("root must be false")
	}
	for _, id := range CollectIDs(root) {
		if _, ok := trace[id]; !ok {
			t.Errorf("trace misses %q", id)
		}
	}
	if !trace["inner"] || !trace["act"] {
		t.Error("action must mirror its group")
	}
	if !trace["last"] {
		t.Error("nodes after a false sibling are still evaluated")
	}
}

func TestActionsDoNotAffectAggregation(t *testing.T) {
	root := &GroupNode{ID: "root", Operator: OpOr, Children: []Node{
		&ActionNode{ID: "act", Action: Action{Kind: models.ActionSell}},
	}}
	if Evaluate(root, Context{}, nil) {
		t.Error("or with only actions is empty, must be false")
	}
}

func TestStatusNode(t *testing.T) {
	age := 36 * time.Hour
	ctx := Context{
		ProfitRatePct: ptr(2.5),
		Margin:        &AssetValue{Asset: "USDT", Value: 150},
		BuyCount:      ptr(3),
		EntryAge:      &age,
	}
	cases := []struct {
		name string
		node StatusNode
		want bool
	}{
		{"profit over", StatusNode{Metric: MetricProfitRate, Comparator: models.CmpOver, Value: 2, Unit: "percent"}, true},
		{"profit wrong unit", StatusNode{Metric: MetricProfitRate, Comparator: models.CmpOver, Value: 2, Unit: "USDT"}, false},
		{"margin asset match", StatusNode{Metric: MetricMargin, Comparator: models.CmpGte, Value: 150, Unit: "USDT"}, true},
		{"margin asset mismatch", StatusNode{Metric: MetricMargin, Comparator: models.CmpGte, Value: 150, Unit: "BTC"}, false},
		{"buy count", StatusNode{Metric: MetricBuyCount, Comparator: models.CmpEq, Value: 3}, true},
		{"age in hours", StatusNode{Metric: MetricEntryAge, Comparator: models.CmpOver, Value: 24, Unit: "hours"}, true},
		{"age in days", StatusNode{Metric: MetricEntryAge, Comparator: models.CmpOver, Value: 2, Unit: "days"}, false},
		{"no comparator", StatusNode{Metric: MetricProfitRate, Comparator: models.CmpNone, Value: 0}, false},
		{"missing fact", StatusNode{Metric: MetricWalletBalance, Comparator: models.CmpOver, Value: 0}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			n := c.node
			n.ID = "s"
			if got := Evaluate(&n, ctx, nil); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestCandleNode(t *testing.T) {
	ctx := Context{Candles: models.CandlePair{
		Current:  &models.Candle{Open: 100, Close: 101},
		Previous: &models.Candle{Open: 99, Close: 100.5},
	}}

	n := &CandleNode{ID: "c", Enabled: true, Field: models.FieldClose, Comparator: models.CmpOver, Value: 100}
	if !Evaluate(n, ctx, nil) {
		t.Error("close 101 over 100")
	}

	n.Enabled = false
	if Evaluate(n, ctx, nil) {
		t.Error("disabled candle node is false")
	}

	// close(now) > close(prev) + 0.2
	n = &CandleNode{ID: "c", Enabled: true, Field: models.FieldClose, Comparator: models.CmpOver,
		Target: &CandleTarget{Reference: models.RefPrevious, Offset: 0.2}}
	if !Evaluate(n, ctx, nil) {
		t.Error("101 > 100.5+0.2")
	}
	n.Target.Offset = 0.6
	if Evaluate(n, ctx, nil) {
		t.Error("101 > 101.1 is false")
	}

	n = &CandleNode{ID: "c", Enabled: true, Field: models.FieldOpen, Comparator: "bogus", Value: 99.5, Reference: models.RefPrevious}
	if Evaluate(n, ctx, nil) {
		t.Error("invalid comparator falls back to over: 99 > 99.5 is false")
	}

	if Evaluate(n, Context{}, nil) {
		t.Error("missing candle is false")
	}
}
