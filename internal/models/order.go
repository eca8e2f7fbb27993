package models

// ActionKind тип действия в дереве условий.
type ActionKind string

const (
	ActionBuy      ActionKind = "buy"
	ActionSell     ActionKind = "sell"
	ActionStoploss ActionKind = "stoploss"
)

// AmountMode как считать номинал ордера.
type AmountMode string

const (
	AmountUSDT            AmountMode = "usdt"
	AmountPositionPercent AmountMode = "position_percent"
	AmountWalletPercent   AmountMode = "wallet_percent"
	AmountInitialPercent  AmountMode = "initial_percent"
	AmountMinNotional     AmountMode = "min_notional"
)

type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Amount спецификация размера.
type Amount struct {
	Mode        AmountMode `json:"mode"`
	Value       float64    `json:"value"`
	Asset       string     `json:"asset,omitempty"`
	WalletBasis string     `json:"walletBasis,omitempty"`
}

// ActionIntent сработавшее действие до расчёта количества.
type ActionIntent struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"groupId"`
	Kind      ActionKind `json:"kind"`
	OrderType OrderKind  `json:"orderType"`
	// Price задан, если цена введена числом или разрешена из индикатора
	Price    *float64 `json:"price,omitempty"`
	PriceRef string   `json:"priceRef,omitempty"`
	Amount   Amount   `json:"amount"`
	Raw      any      `json:"raw,omitempty"`
}

type OrderSide string

const (
	SideBuy      OrderSide = "BUY"
	SideSell     OrderSide = "SELL"
	SideStoploss OrderSide = "STOPLOSS"
)

type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStopMarket OrderType = "STOP_MARKET"
)

// PlannedOrder готовый к отправке ордер.
type PlannedOrder struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"groupId"`
	Side         OrderSide `json:"side"`
	Type         OrderType `json:"type"`
	Price        *float64  `json:"price,omitempty"`
	StopPrice    *float64  `json:"stopPrice,omitempty"`
	Quantity     float64   `json:"quantity"`
	Notional     float64   `json:"notional"`
	Reason       string    `json:"reason,omitempty"`
	ReduceOnly   bool      `json:"reduceOnly,omitempty"`
	WorkingType  string    `json:"workingType,omitempty"`
	PositionSide string    `json:"positionSide,omitempty"`
	Raw          any       `json:"raw,omitempty"`
}

// OrderRequest запрос на биржу.
type OrderRequest struct {
	Symbol     string
	Side       string // buy / sell
	PosSide    string // long / short / net
	Type       OrderType
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
	MarginMode string // cross / isolated
}

// OrderResult структурированный результат размещения.
type OrderResult struct {
	OK      bool   `json:"ok"`
	OrderID string `json:"orderId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
