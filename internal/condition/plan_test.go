package condition

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
)

const sampleTree = `{
  "kind": "group", "id": "root", "operator": "and",
  "children": [
    {"kind": "indicator", "id": "rsi", "indicator": {"type": "rsi", "config": {"period": 14}},
     "comparison": {"kind": "value", "comparator": "under", "value": 30}},
    {"kind": "candle", "id": "bull", "field": "close", "comparator": "over",
     "target": {"reference": "previous", "field": "close", "offset": 0.2}},
    {"kind": "group", "id": "alt", "operator": "or", "children": [
      {"kind": "status", "id": "pr", "metric": "profitRate", "comparator": "under", "value": -5, "unit": "percent"},
      {"kind": "action", "id": "stop", "action": {"kind": "stoploss", "priceMode": "indicator", "indicatorRefId": "ma"}}
    ]},
    {"kind": "action", "id": "buy", "action": {"kind": "buy", "amountMode": "usdt", "usdt": 50}}
  ]
}`

func TestDecodeSample(t *testing.T) {
	root, err := Decode([]byte(sampleTree))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	g, ok := root.(*GroupNode)
	if !ok || len(g.Children) != 4 {
		t.Fatalf("unexpected root %#v", root)
	}
	c := g.Children[1].(*CandleNode)
	if !c.Enabled {
		t.Error("candle without enabled field defaults to enabled")
	}
	if c.Target == nil || c.Target.Offset != 0.2 {
		t.Errorf("target lost: %+v", c.Target)
	}
	ind := g.Children[0].(*IndicatorNode)
	if ind.Indicator.Type != indicator.TypeRSI || ind.Comparison.Kind != indicator.CompareValue {
		t.Errorf("indicator decoded wrong: %+v", ind)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate id":    `{"kind":"group","id":"a","children":[{"kind":"indicator","id":"a","indicator":{"type":"ma"}}]}`,
		"unknown kind":    `{"kind":"weird","id":"a"}`,
		"missing id":      `{"kind":"group"}`,
		"bad operator":    `{"kind":"group","id":"a","operator":"xor"}`,
		"action no body":  `{"kind":"action","id":"a"}`,
		"indicator empty": `{"kind":"indicator","id":"a"}`,
	}
	for name, data := range cases {
		if _, err := Decode([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestTreeRoundTrip(t *testing.T) {
	var tree Tree
	if err := json.Unmarshal([]byte(sampleTree), &tree); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatal(err)
	}
	var again Tree
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if !reflect.DeepEqual(tree.Root, again.Root) {
		t.Error("tree changed after round trip")
	}
}

func TestExecutablePlan(t *testing.T) {
	root, err := Decode([]byte(sampleTree))
	if err != nil {
		t.Fatal(err)
	}
	p := ToExecutablePlan(root)

	if p.RootID != "root" {
		t.Errorf("root id %q", p.RootID)
	}
	if len(p.Indicators) != 1 || p.Indicators[0].Spec.Config.Period != 14 {
		t.Errorf("indicators %+v", p.Indicators)
	}
	if len(p.Statuses) != 1 || len(p.Candles) != 1 || len(p.Groups) != 2 {
		t.Errorf("leaves: %d status, %d candle, %d group", len(p.Statuses), len(p.Candles), len(p.Groups))
	}
	owners := map[string]string{}
	for _, a := range p.Actions {
		owners[a.ID] = a.GroupID
	}
	if owners["stop"] != "alt" || owners["buy"] != "root" {
		t.Errorf("action owners %v", owners)
	}

	got, want := p.NodeIDs(), CollectIDs(root)
	sort.Strings(got)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NodeIDs %v, tree ids %v", got, want)
	}
}

func TestRootLevelActionOwnedByRoot(t *testing.T) {
	p := ToExecutablePlan(&ActionNode{ID: "solo", Action: Action{Kind: models.ActionBuy}})
	if len(p.Actions) != 1 || p.Actions[0].GroupID != "solo" {
		t.Errorf("actions %+v", p.Actions)
	}
}

type fixedPrices map[string]float64

func (f fixedPrices) Resolve(ref string) (float64, bool) {
	v, ok := f[ref]
	return v, ok
}

func TestBuildActionIntents(t *testing.T) {
	root, _ := Decode([]byte(sampleTree))
	p := ToExecutablePlan(root)

	if got := BuildActionIntents(p, false, Trace{"root": true, "alt": true}, nil); len(got) != 0 {
		t.Fatalf("root did not fire, got %d intents", len(got))
	}

	intents := BuildActionIntents(p, true, Trace{"root": true, "alt": false}, fixedPrices{"ma": 99})
	if len(intents) != 1 || intents[0].ID != "buy" {
		t.Fatalf("only buy should fire, got %+v", intents)
	}
	buy := intents[0]
	if buy.Amount.Mode != models.AmountUSDT || buy.Amount.Value != 50 || buy.OrderType != models.OrderMarket {
		t.Errorf("buy intent %+v", buy)
	}

	intents = BuildActionIntents(p, true, Trace{"root": true, "alt": true}, fixedPrices{"ma": 99})
	if len(intents) != 2 {
		t.Fatalf("want 2 intents, got %d", len(intents))
	}
	stop := intents[0]
	if stop.Kind != models.ActionStoploss || stop.PriceRef != "ma" || stop.Price == nil || *stop.Price != 99 {
		t.Errorf("stop intent %+v", stop)
	}

	intents = BuildActionIntents(p, true, Trace{"root": true, "alt": true}, fixedPrices{})
	if intents[0].Price != nil || intents[0].PriceRef != "ma" {
		t.Error("unresolved stop keeps the reference without a price")
	}
}

func TestBuyAmountFallbacks(t *testing.T) {
	p := ToExecutablePlan(&GroupNode{ID: "g", Children: []Node{
		&ActionNode{ID: "a", Action: Action{Kind: models.ActionBuy, AmountMode: models.AmountWalletPercent, WalletPercent: ptr(10.0),
			OrderType: models.OrderLimit, LimitPriceMode: "input", LimitPrice: ptr(42.0)}},
	}})
	in := BuildActionIntents(p, true, Trace{"g": true}, nil)
	if len(in) != 1 {
		t.Fatal("intent expected")
	}
	if in[0].Amount.Mode != models.AmountWalletPercent || in[0].Amount.Value != 10 {
		t.Errorf("amount %+v", in[0].Amount)
	}
	if in[0].OrderType != models.OrderLimit || in[0].Price == nil || *in[0].Price != 42 {
		t.Errorf("limit price %+v", in[0])
	}
}
