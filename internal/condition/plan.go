package condition

import (
	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
)

// IndicatorLeaf индикаторный лист плана.
type IndicatorLeaf struct {
	ID   string
	Spec indicator.Spec
}

// GroupRef группа плана.
type GroupRef struct {
	ID       string
	Operator Operator
}

// ActionRef действие с id группы-владельца.
type ActionRef struct {
	ID      string
	GroupID string
	Action  Action
}

// Plan плоское представление дерева для расчёта индикаторов и ордеров.
type Plan struct {
	RootID     string
	Indicators []IndicatorLeaf
	Statuses   []StatusNode
	Candles    []CandleNode
	Groups     []GroupRef
	Actions    []ActionRef
}

// ToExecutablePlan один проход по дереву.
func ToExecutablePlan(root Node) Plan {
	var p Plan
	if root == nil {
		return p
	}
	p.RootID = root.NodeID()

	Walk(root, func(n Node, parent *GroupNode) {
		switch node := n.(type) {
		case *GroupNode:
			op := node.Operator
			if op == "" {
				op = OpAnd
			}
			p.Groups = append(p.Groups, GroupRef{ID: node.ID, Operator: op})
		case *IndicatorNode:
			p.Indicators = append(p.Indicators, IndicatorLeaf{ID: node.ID, Spec: node.Spec()})
		case *StatusNode:
			p.Statuses = append(p.Statuses, *node)
		case *CandleNode:
			p.Candles = append(p.Candles, *node)
		case *ActionNode:
			groupID := p.RootID
			if parent != nil {
				groupID = parent.ID
			}
			p.Actions = append(p.Actions, ActionRef{ID: node.ID, GroupID: groupID, Action: node.Action})
		}
	})
	return p
}

// NodeIDs все id узлов плана.
func (p Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.Groups)+len(p.Indicators)+len(p.Statuses)+len(p.Candles)+len(p.Actions))
	for _, g := range p.Groups {
		ids = append(ids, g.ID)
	}
	for _, i := range p.Indicators {
		ids = append(ids, i.ID)
	}
	for _, s := range p.Statuses {
		ids = append(ids, s.ID)
	}
	for _, c := range p.Candles {
		ids = append(ids, c.ID)
	}
	for _, a := range p.Actions {
		ids = append(ids, a.ID)
	}
	return ids
}

// CollectIDs прямой обход дерева.
func CollectIDs(root Node) []string {
	var ids []string
	Walk(root, func(n Node, _ *GroupNode) {
		ids = append(ids, n.NodeID())
	})
	return ids
}

// PriceResolver разрешает ссылку на индикатор или выражение в цену.
type PriceResolver interface {
	Resolve(ref string) (float64, bool)
}

// BuildActionIntents действия, чья группа сработала. Пусто, если корень не сработал.
func BuildActionIntents(p Plan, result bool, trace Trace, prices PriceResolver) []models.ActionIntent {
	if !result {
		return nil
	}
	var out []models.ActionIntent
	for _, a := range p.Actions {
		if !trace[a.GroupID] {
			continue
		}
		out = append(out, buildIntent(a, prices))
	}
	return out
}

func buildIntent(a ActionRef, prices PriceResolver) models.ActionIntent {
	act := a.Action
	in := models.ActionIntent{
		ID:        a.ID,
		GroupID:   a.GroupID,
		Kind:      act.Kind,
		OrderType: models.OrderMarket,
		Raw:       act,
	}

	resolve := func(mode string, literal *float64) {
		if mode == "indicator" || (literal == nil && act.IndicatorRefID != "") {
			in.PriceRef = act.IndicatorRefID
			if prices != nil && act.IndicatorRefID != "" {
				if v, ok := prices.Resolve(act.IndicatorRefID); ok {
					in.Price = &v
				}
			}
			return
		}
		if literal != nil {
			v := *literal
			in.Price = &v
		}
	}

	switch act.Kind {
	case models.ActionBuy:
		in.Amount = models.Amount{
			Mode:        amountMode(act.AmountMode),
			Value:       firstSet(act.USDT, act.PositionPercent, act.WalletPercent, act.InitialPercent),
			Asset:       act.Asset,
			WalletBasis: act.WalletBasis,
		}
		if act.OrderType == models.OrderLimit {
			in.OrderType = models.OrderLimit
			resolve(act.LimitPriceMode, act.LimitPrice)
		}
	case models.ActionSell:
		mode := amountMode(act.AmountMode)
		if mode != models.AmountPositionPercent {
			mode = models.AmountUSDT
		}
		in.Amount = models.Amount{Mode: mode, Value: firstSet(act.USDT, act.PositionPercent), Asset: act.Asset}
		if act.OrderType == models.OrderLimit {
			in.OrderType = models.OrderLimit
			resolve(act.LimitPriceMode, act.LimitPrice)
		}
	case models.ActionStoploss:
		in.Amount = models.Amount{Mode: models.AmountPositionPercent, Value: 100}
		resolve(act.PriceMode, act.Price)
	}
	return in
}

func amountMode(m models.AmountMode) models.AmountMode {
	if m == "" {
		return models.AmountUSDT
	}
	return m
}

func firstSet(vs ...*float64) float64 {
	for _, v := range vs {
		if v != nil {
			return *v
		}
	}
	return 0
}
