package models

import "time"

// Mode режим движка.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeMonitoring Mode = "monitoring"
	ModeSimulation Mode = "simulation"
	ModeTrading    Mode = "trading"
)

func (m Mode) Running() bool {
	return m == ModeMonitoring || m == ModeSimulation || m == ModeTrading
}

// SimulationState бухгалтерия симуляции.
type SimulationState struct {
	SessionID      string    `json:"sessionId"`
	InitialCapital float64   `json:"initialCapital"`
	CurrentCapital float64   `json:"currentCapital"`
	TotalPnL       float64   `json:"totalPnl"`
	TotalTrades    int       `json:"totalTrades"`
	WinningTrades  int       `json:"winningTrades"`
	LosingTrades   int       `json:"losingTrades"`
	StartTime      time.Time `json:"startTime"`
	DurationHours  float64   `json:"durationHours,omitempty"`
}

// WinRate в процентах.
func (s SimulationState) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

// ROI в процентах от начального капитала.
func (s SimulationState) ROI() float64 {
	if s.InitialCapital == 0 {
		return 0
	}
	return (s.CurrentCapital - s.InitialCapital) / s.InitialCapital * 100
}

// EngineState единственная запись состояния, чекпоинтится в БД.
type EngineState struct {
	Running             bool                       `json:"running"`
	Mode                Mode                       `json:"mode"`
	CircuitBreakerOpen  bool                       `json:"circuitBreakerOpen"`
	ConsecutiveFailures int                        `json:"consecutiveFailures"`
	LastBreakerReset    time.Time                  `json:"lastBreakerReset"`
	Simulation          *SimulationState           `json:"simulation,omitempty"`
	VirtualPositions    map[string]VirtualPosition `json:"virtualPositions"`
	AccountID           string                     `json:"accountId"`
	StartedAt           *time.Time                 `json:"startedAt,omitempty"`
	StoppedAt           *time.Time                 `json:"stoppedAt,omitempty"`
}

// IdleState начальное состояние при отсутствии записи.
func IdleState(accountID string) EngineState {
	return EngineState{
		Mode:             ModeIdle,
		VirtualPositions: map[string]VirtualPosition{},
		AccountID:        accountID,
	}
}
