// Package condition интерпретирует дерево условий стратегии.
//
// Дерево это закрытая сумма типов: Node реализуют только *GroupNode, *IndicatorNode,
// *StatusNode, *CandleNode и *ActionNode. Все обходы делают исчерпывающий type switch.
package condition

import (
	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
)

// Kind тег узла в JSON.
type Kind string

const (
	KindGroup     Kind = "group"
	KindIndicator Kind = "indicator"
	KindStatus    Kind = "status"
	KindCandle    Kind = "candle"
	KindAction    Kind = "action"
)

// Operator агрегатор группы.
type Operator string

const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
)

// Node узел дерева условий.
type Node interface {
	NodeID() string
	Kind() Kind
	sealed()
}

// GroupNode агрегирует детей через and/or. Пустой оператор = and.
type GroupNode struct {
	ID       string
	Operator Operator
	Children []Node
}

// IndicatorRef тип и настройки индикатора.
type IndicatorRef struct {
	Type   indicator.Type   `json:"type"`
	Config indicator.Config `json:"config"`
}

// IndicatorNode берёт готовый сигнал по своему id.
type IndicatorNode struct {
	ID         string
	Indicator  IndicatorRef
	Comparison indicator.Comparison
	Metric     string
	Reference  models.CandleReference
}

// Spec описание для калькулятора индикаторов.
func (n *IndicatorNode) Spec() indicator.Spec {
	return indicator.Spec{
		Type:       n.Indicator.Type,
		Config:     n.Indicator.Config,
		Comparison: n.Comparison,
		Metric:     n.Metric,
		Reference:  n.Reference,
	}
}

// StatusMetric метрика состояния позиции/счёта.
type StatusMetric string

const (
	MetricProfitRate        StatusMetric = "profitRate"
	MetricMargin            StatusMetric = "margin"
	MetricBuyCount          StatusMetric = "buyCount"
	MetricEntryAge          StatusMetric = "entryAge"
	MetricWalletBalance     StatusMetric = "walletBalance"
	MetricInitialMarginRate StatusMetric = "initialMarginRate"
	MetricUnrealizedPnl     StatusMetric = "unrealizedPnl"
	MetricPositionSize      StatusMetric = "positionSize"
)

// StatusNode сравнивает метрику с константой. Unit: percent, minutes|hours|days или актив.
type StatusNode struct {
	ID         string
	Metric     StatusMetric
	Comparator models.Comparator
	Value      float64
	Unit       string
}

// CandleTarget сравнение с полем другой свечи плюс смещение вместо константы.
type CandleTarget struct {
	Reference models.CandleReference `json:"reference"`
	Field     models.CandleField     `json:"field"`
	Offset    float64                `json:"offset,omitempty"`
}

// CandleNode сравнивает поле свечи с константой (или с Target, если задан).
type CandleNode struct {
	ID         string
	Enabled    bool
	Field      models.CandleField
	Comparator models.Comparator
	Value      float64
	Reference  models.CandleReference
	Target     *CandleTarget
}

// Action шаблон ордера.
type Action struct {
	Kind      models.ActionKind `json:"kind"`
	OrderType models.OrderKind  `json:"orderType,omitempty"`

	AmountMode      models.AmountMode `json:"amountMode,omitempty"`
	USDT            *float64          `json:"usdt,omitempty"`
	PositionPercent *float64          `json:"positionPercent,omitempty"`
	WalletPercent   *float64          `json:"walletPercent,omitempty"`
	InitialPercent  *float64          `json:"initialPercent,omitempty"`
	Asset           string            `json:"asset,omitempty"`
	WalletBasis     string            `json:"walletBasis,omitempty"`

	// limit: input | indicator
	LimitPriceMode string   `json:"limitPriceMode,omitempty"`
	LimitPrice     *float64 `json:"limitPrice,omitempty"`
	// stoploss: input | indicator
	PriceMode      string   `json:"priceMode,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	IndicatorRefID string   `json:"indicatorRefId,omitempty"`
}

// ActionNode действие, принадлежит ближайшей группе.
type ActionNode struct {
	ID     string
	Action Action
}

func (n *GroupNode) NodeID() string     { return n.ID }
func (n *IndicatorNode) NodeID() string { return n.ID }
func (n *StatusNode) NodeID() string    { return n.ID }
func (n *CandleNode) NodeID() string    { return n.ID }
func (n *ActionNode) NodeID() string    { return n.ID }

func (n *GroupNode) Kind() Kind     { return KindGroup }
func (n *IndicatorNode) Kind() Kind { return KindIndicator }
func (n *StatusNode) Kind() Kind    { return KindStatus }
func (n *CandleNode) Kind() Kind    { return KindCandle }
func (n *ActionNode) Kind() Kind    { return KindAction }

func (*GroupNode) sealed()     {}
func (*IndicatorNode) sealed() {}
func (*StatusNode) sealed()    {}
func (*CandleNode) sealed()    {}
func (*ActionNode) sealed()    {}

// Walk обходит дерево в глубину, parent = ближайшая группа (nil для корня).
func Walk(root Node, fn func(n Node, parent *GroupNode)) {
	var walk func(n Node, parent *GroupNode)
	walk = func(n Node, parent *GroupNode) {
		if n == nil {
			return
		}
		fn(n, parent)
		if g, ok := n.(*GroupNode); ok {
			for _, ch := range g.Children {
				walk(ch, g)
			}
		}
	}
	walk(root, nil)
}
