package models

import "time"

// ConditionType тип проверки для аудита.
type ConditionType string

const (
	ConditionEntry   ConditionType = "ENTRY"
	ConditionExit    ConditionType = "EXIT"
	ConditionScaleIn ConditionType = "SCALE_IN"
	ConditionHedge   ConditionType = "HEDGE"
)

// IndicatorDetail снимок одного индикатора на момент оценки.
type IndicatorDetail struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Value       *float64       `json:"value"`
	Signal      bool           `json:"signal"`
	Config      any            `json:"config,omitempty"`
	Comparison  any            `json:"comparison,omitempty"`
	Metric      string         `json:"metric,omitempty"`
	Description string         `json:"description,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// EvaluationSnapshot детали аудита.
type EvaluationSnapshot struct {
	Indicators       map[string]bool   `json:"indicators"`
	IndicatorDetails []IndicatorDetail `json:"indicatorDetails"`
	Trace            map[string]bool   `json:"trace,omitempty"`
	Orders           []PlannedOrder    `json:"orders,omitempty"`
	Context          struct {
		CurrentPrice  float64   `json:"currentPrice"`
		Direction     Direction `json:"direction"`
		ProfitRatePct *float64  `json:"profitRatePct,omitempty"`
	} `json:"context"`
}

// ConditionEvaluation запись аудита на каждую прошедшую gating оценку.
type ConditionEvaluation struct {
	ID               string             `json:"id"`
	StrategyID       string             `json:"strategyId"`
	Symbol           string             `json:"symbol"`
	ConditionType    ConditionType      `json:"conditionType"`
	EvaluationResult bool               `json:"evaluationResult"`
	Details          EvaluationSnapshot `json:"details"`
	EvaluatedAt      time.Time          `json:"evaluatedAt"`
}

type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
)

// SimulationSession запись сессии симуляции.
type SimulationSession struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"accountId"`
	Name           string        `json:"name"`
	InitialCapital float64       `json:"initialCapital"`
	CurrentCapital float64       `json:"currentCapital"`
	TotalPnL       float64       `json:"totalPnl"`
	TotalTrades    int           `json:"totalTrades"`
	WinningTrades  int           `json:"winningTrades"`
	LosingTrades   int           `json:"losingTrades"`
	WinRate        float64       `json:"winRate"`
	ROI            float64       `json:"roi"`
	DailyAvgROI    float64       `json:"dailyAvgRoi"`
	DurationHours  float64       `json:"durationHours"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

type TradeAction string

const (
	TradeEntry TradeAction = "ENTRY"
	TradeExit  TradeAction = "EXIT"
)

// SimulationTrade сделка симуляции.
type SimulationTrade struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	StrategyID    string          `json:"strategyId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // LONG / SHORT
	Action        TradeAction     `json:"action"`
	Quantity      float64         `json:"quantity"`
	Price         float64         `json:"price"`
	PnL           *float64        `json:"pnl,omitempty"`
	PnLPercentage *float64        `json:"pnlPercentage,omitempty"`
	Indicators    map[string]bool `json:"indicators,omitempty"`
	ExecutedAt    time.Time       `json:"executedAt"`
}

// TradeRecord журнал живых сделок.
type TradeRecord struct {
	ID         string      `json:"id"`
	StrategyID string      `json:"strategyId"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Action     TradeAction `json:"action"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"`
	OrderID    string      `json:"orderId"`
	PnL        float64     `json:"pnl"`
	ExecutedAt time.Time   `json:"executedAt"`
}
