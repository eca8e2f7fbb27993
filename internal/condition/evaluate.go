package condition

import (
	"strings"
	"time"

	"futures_engine/internal/models"
)

// AssetValue значение в конкретном активе.
type AssetValue struct {
	Asset string
	Value float64
}

// Context факты для одной оценки (стратегия, символ, тик).
type Context struct {
	Symbol    string
	Direction models.Direction

	ProfitRatePct     *float64
	Margin            *AssetValue
	BuyCount          *int
	EntryAge          *time.Duration
	WalletBalance     *AssetValue
	InitialMarginRate *float64
	UnrealizedPnl     *AssetValue
	PositionSize      *AssetValue

	Candles models.CandlePair
}

// Trace значение каждого узла по id.
type Trace map[string]bool

// Evaluate результат корня. Пустое дерево = false.
func Evaluate(root Node, ctx Context, signals map[string]bool) bool {
	res, _ := EvaluateWithTrace(root, ctx, signals)
	return res
}

// EvaluateWithTrace вычисляет все узлы без short-circuit и пишет каждый в trace.
func EvaluateWithTrace(root Node, ctx Context, signals map[string]bool) (bool, Trace) {
	trace := make(Trace)
	if root == nil {
		return false, trace
	}
	return evalNode(root, ctx, signals, trace), trace
}

func evalNode(n Node, ctx Context, signals map[string]bool, trace Trace) bool {
	var v bool
	switch node := n.(type) {
	case *GroupNode:
		v = evalGroup(node, ctx, signals, trace)
	case *IndicatorNode:
		v = signals[node.ID]
	case *StatusNode:
		v = evalStatus(node, ctx)
	case *CandleNode:
		v = evalCandle(node, ctx)
	case *ActionNode:
		// значение действия проставляет группа-владелец
		return false
	}
	trace[n.NodeID()] = v
	return v
}

func evalGroup(g *GroupNode, ctx Context, signals map[string]bool, trace Trace) bool {
	var results []bool
	var actions []*ActionNode
	for _, ch := range g.Children {
		if a, ok := ch.(*ActionNode); ok {
			actions = append(actions, a)
			continue
		}
		results = append(results, evalNode(ch, ctx, signals, trace))
	}

	var v bool
	if g.Operator == OpOr {
		for _, r := range results {
			v = v || r
		}
	} else {
		v = true
		for _, r := range results {
			v = v && r
		}
	}
	for _, a := range actions {
		trace[a.ID] = v
	}
	return v
}

func evalStatus(n *StatusNode, ctx Context) bool {
	if !n.Comparator.Valid() {
		return false
	}
	unit := strings.TrimSpace(n.Unit)

	switch n.Metric {
	case MetricProfitRate:
		return percentMetric(ctx.ProfitRatePct, unit, n)
	case MetricInitialMarginRate:
		return percentMetric(ctx.InitialMarginRate, unit, n)
	case MetricMargin:
		return assetMetric(ctx.Margin, unit, n)
	case MetricWalletBalance:
		return assetMetric(ctx.WalletBalance, unit, n)
	case MetricUnrealizedPnl:
		return assetMetric(ctx.UnrealizedPnl, unit, n)
	case MetricPositionSize:
		return assetMetric(ctx.PositionSize, unit, n)
	case MetricBuyCount:
		if ctx.BuyCount == nil {
			return false
		}
		return models.Compare(float64(*ctx.BuyCount), n.Comparator, n.Value)
	case MetricEntryAge:
		if ctx.EntryAge == nil {
			return false
		}
		var age float64
		switch strings.ToLower(unit) {
		case "minutes":
			age = ctx.EntryAge.Minutes()
		case "hours":
			age = ctx.EntryAge.Hours()
		default:
			age = ctx.EntryAge.Hours() / 24
		}
		return models.Compare(age, n.Comparator, n.Value)
	}
	return false
}

func percentMetric(v *float64, unit string, n *StatusNode) bool {
	if v == nil {
		return false
	}
	if unit != "" && !strings.EqualFold(unit, "percent") {
		return false
	}
	return models.Compare(*v, n.Comparator, n.Value)
}

func assetMetric(v *AssetValue, unit string, n *StatusNode) bool {
	if v == nil {
		return false
	}
	if unit != "" && !strings.EqualFold(unit, v.Asset) {
		return false
	}
	return models.Compare(v.Value, n.Comparator, n.Value)
}

func evalCandle(n *CandleNode, ctx Context) bool {
	if !n.Enabled {
		return false
	}
	candle := ctx.Candles.Pick(n.Reference)
	if candle == nil {
		return false
	}
	left, ok := candle.Field(n.Field)
	if !ok {
		return false
	}
	op := n.Comparator
	if !op.Valid() {
		op = models.CmpOver
	}

	right := n.Value
	if t := n.Target; t != nil {
		other := ctx.Candles.Pick(t.Reference)
		if other == nil {
			return false
		}
		field := t.Field
		if field == "" {
			field = n.Field
		}
		v, ok := other.Field(field)
		if !ok {
			return false
		}
		right = v + t.Offset
	}
	return models.Compare(left, op, right)
}
