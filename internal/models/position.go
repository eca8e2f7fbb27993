package models

import "time"

// Direction направление позиции.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position живая позиция, зеркало биржи в памяти и в БД.
type Position struct {
	ID            string         `json:"id"`
	StrategyID    string         `json:"strategyId"`
	Symbol        string         `json:"symbol"`
	Direction     Direction      `json:"direction"`
	EntryPrice    float64        `json:"entryPrice"`
	EntryTime     time.Time      `json:"entryTime"`
	Quantity      float64        `json:"quantity"`
	ContractValue float64        `json:"contractValue"`
	Leverage      float64        `json:"leverage"`
	UnrealizedPnl float64        `json:"unrealizedPnl"`
	RealizedPnl   float64        `json:"realizedPnl"`
	Status        PositionStatus `json:"status"`
	ExitPrice     float64        `json:"exitPrice,omitempty"`
	ExitTime      *time.Time     `json:"exitTime,omitempty"`
}

// Notional = qty * ctVal * price.
func (p Position) Notional(price float64) float64 {
	ct := p.ContractValue
	if ct <= 0 {
		ct = 1
	}
	return p.Quantity * ct * price
}

// VirtualPosition позиция симуляции, целиком принадлежит движку.
type VirtualPosition struct {
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entryPrice"`
	Quantity     float64   `json:"quantity"`
	StrategyID   string    `json:"strategyId"`
	StrategyName string    `json:"strategyName"`
	OpenTime     time.Time `json:"openTime"`
}

// PnL при цене выхода, с учётом направления.
func (v VirtualPosition) PnL(price float64) float64 {
	if v.Direction == Short {
		return (v.EntryPrice - price) * v.Quantity
	}
	return (price - v.EntryPrice) * v.Quantity
}

// VirtualPositionView позиция с нереализованным PnL на текущую цену.
type VirtualPositionView struct {
	VirtualPosition
	CurrentPrice     float64 `json:"currentPrice"`
	UnrealizedPnl    float64 `json:"unrealizedPnl"`
	UnrealizedPnlPct float64 `json:"unrealizedPnlPct"`
}
