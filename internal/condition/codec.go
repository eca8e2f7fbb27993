package condition

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
)

// Tree обёртка корня для хранения в JSON.
type Tree struct {
	Root Node
}

// rawNode плоская форма узла в JSON, поле kind выбирает вариант.
type rawNode struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`

	Operator Operator          `json:"operator,omitempty"`
	Children []json.RawMessage `json:"children,omitempty"`

	Indicator  *IndicatorRef          `json:"indicator,omitempty"`
	Comparison *indicator.Comparison  `json:"comparison,omitempty"`
	Metric     string                 `json:"metric,omitempty"`
	Reference  models.CandleReference `json:"reference,omitempty"`

	Comparator models.Comparator  `json:"comparator,omitempty"`
	Value      *float64           `json:"value,omitempty"`
	Unit       string             `json:"unit,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
	Field      models.CandleField `json:"field,omitempty"`
	Target     *CandleTarget      `json:"target,omitempty"`

	Action *Action `json:"action,omitempty"`
}

func (t Tree) MarshalJSON() ([]byte, error) {
	if t.Root == nil {
		return []byte("null"), nil
	}
	return sonic.Marshal(t.Root)
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Root = nil
		return nil
	}
	root, err := Decode(data)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

// Decode разбирает дерево и проверяет уникальность id.
func Decode(data []byte) (Node, error) {
	seen := make(map[string]struct{})
	return decodeNode(data, seen)
}

func decodeNode(data []byte, seen map[string]struct{}) (Node, error) {
	var r rawNode
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("condition.Decode: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("condition.Decode: %s node without id", r.Kind)
	}
	if _, dup := seen[r.ID]; dup {
		return nil, fmt.Errorf("condition.Decode: duplicate node id %q", r.ID)
	}
	seen[r.ID] = struct{}{}

	switch r.Kind {
	case KindGroup:
		op := r.Operator
		if op == "" {
			op = OpAnd
		}
		if op != OpAnd && op != OpOr {
			return nil, fmt.Errorf("condition.Decode: group %q: unknown operator %q", r.ID, r.Operator)
		}
		g := &GroupNode{ID: r.ID, Operator: op, Children: make([]Node, 0, len(r.Children))}
		for _, raw := range r.Children {
			ch, err := decodeNode(raw, seen)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, ch)
		}
		return g, nil

	case KindIndicator:
		if r.Indicator == nil {
			return nil, fmt.Errorf("condition.Decode: indicator %q without indicator", r.ID)
		}
		n := &IndicatorNode{
			ID:        r.ID,
			Indicator: *r.Indicator,
			Metric:    r.Metric,
			Reference: r.Reference,
		}
		if r.Comparison != nil {
			n.Comparison = *r.Comparison
		} else {
			n.Comparison = indicator.Comparison{Kind: indicator.CompareNone}
		}
		return n, nil

	case KindStatus:
		n := &StatusNode{
			ID:         r.ID,
			Metric:     StatusMetric(r.Metric),
			Comparator: r.Comparator,
			Unit:       r.Unit,
		}
		if r.Value != nil {
			n.Value = *r.Value
		}
		return n, nil

	case KindCandle:
		n := &CandleNode{
			ID:         r.ID,
			Enabled:    r.Enabled == nil || *r.Enabled,
			Field:      r.Field,
			Comparator: r.Comparator,
			Reference:  r.Reference,
			Target:     r.Target,
		}
		if r.Value != nil {
			n.Value = *r.Value
		}
		return n, nil

	case KindAction:
		if r.Action == nil {
			return nil, fmt.Errorf("condition.Decode: action %q without action", r.ID)
		}
		return &ActionNode{ID: r.ID, Action: *r.Action}, nil
	}
	return nil, fmt.Errorf("condition.Decode: node %q: unknown kind %q", r.ID, r.Kind)
}

func (n *GroupNode) MarshalJSON() ([]byte, error) {
	children := make([]json.RawMessage, 0, len(n.Children))
	for _, ch := range n.Children {
		b, err := sonic.Marshal(ch)
		if err != nil {
			return nil, err
		}
		children = append(children, b)
	}
	return sonic.Marshal(rawNode{Kind: KindGroup, ID: n.ID, Operator: n.Operator, Children: children})
}

func (n *IndicatorNode) MarshalJSON() ([]byte, error) {
	ind, cmp := n.Indicator, n.Comparison
	return sonic.Marshal(rawNode{
		Kind:       KindIndicator,
		ID:         n.ID,
		Indicator:  &ind,
		Comparison: &cmp,
		Metric:     n.Metric,
		Reference:  n.Reference,
	})
}

func (n *StatusNode) MarshalJSON() ([]byte, error) {
	v := n.Value
	return sonic.Marshal(rawNode{
		Kind:       KindStatus,
		ID:         n.ID,
		Metric:     string(n.Metric),
		Comparator: n.Comparator,
		Value:      &v,
		Unit:       n.Unit,
	})
}

func (n *CandleNode) MarshalJSON() ([]byte, error) {
	v, enabled := n.Value, n.Enabled
	return sonic.Marshal(rawNode{
		Kind:       KindCandle,
		ID:         n.ID,
		Enabled:    &enabled,
		Field:      n.Field,
		Comparator: n.Comparator,
		Value:      &v,
		Reference:  n.Reference,
		Target:     n.Target,
	})
}

func (n *ActionNode) MarshalJSON() ([]byte, error) {
	a := n.Action
	return sonic.Marshal(rawNode{Kind: KindAction, ID: n.ID, Action: &a})
}
