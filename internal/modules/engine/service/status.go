package service

import (
	"context"
	"sort"
	"time"

	"futures_engine/internal/models"
	"futures_engine/internal/strategy"
)

// StrategyStatus счётчики одной стратегии.
type StrategyStatus struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
	strategy.Runtime
}

// SimulationStatus снимок P&L симуляции.
type SimulationStatus struct {
	models.SimulationState
	WinRate          float64 `json:"winRate"`
	ROI              float64 `json:"roi"`
	OpenPositions    int     `json:"openPositions"`
	ElapsedHours     float64 `json:"elapsedHours"`
	RemainingMinutes float64 `json:"remainingMinutes,omitempty"`
}

type Status struct {
	Running             bool              `json:"running"`
	Mode                models.Mode       `json:"mode"`
	ActiveStrategies    int               `json:"activeStrategies"`
	CircuitBreakerOpen  bool              `json:"circuitBreakerOpen"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	StartedAt           *time.Time        `json:"startedAt,omitempty"`
	Simulation          *SimulationStatus `json:"simulation,omitempty"`
	Strategies          []StrategyStatus  `json:"strategies"`
	Positions           []models.Position `json:"positions"`
	Logs                LogStats          `json:"logs"`
}

// ForceResult итог ручной оценки.
type ForceResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	EvaluatedSymbols int    `json:"evaluatedSymbols"`
}

func (e *Engine) Status() Status {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Running:             e.state.Running,
		Mode:                e.state.Mode,
		ActiveStrategies:    len(e.strategies),
		CircuitBreakerOpen:  e.state.CircuitBreakerOpen,
		ConsecutiveFailures: e.state.ConsecutiveFailures,
		StartedAt:           e.state.StartedAt,
		Strategies:          make([]StrategyStatus, 0, len(e.strategies)),
		Positions:           make([]models.Position, 0, len(e.positions)),
	}
	if sim := e.state.Simulation; sim != nil {
		ss := &SimulationStatus{
			SimulationState: *sim,
			WinRate:         sim.WinRate(),
			ROI:             sim.ROI(),
			OpenPositions:   len(e.state.VirtualPositions),
			ElapsedHours:    now.Sub(sim.StartTime).Hours(),
		}
		if sim.DurationHours > 0 {
			left := time.Duration(sim.DurationHours*float64(time.Hour)) - now.Sub(sim.StartTime)
			ss.RemainingMinutes = max(left.Minutes(), 0)
		}
		st.Simulation = ss
	}
	for _, rt := range e.strategies {
		st.Strategies = append(st.Strategies, StrategyStatus{
			ID:        rt.strategy.ID,
			Name:      rt.strategy.Name,
			Symbols:   append([]string(nil), rt.strategy.Symbols...),
			Timeframe: timeframeOf(rt.strategy, e.cfg.DefaultTimeframe),
			Runtime:   rt.stats,
		})
	}
	for _, p := range e.positions {
		st.Positions = append(st.Positions, p)
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].EntryTime.Before(st.Positions[j].EntryTime) })
	st.Logs = e.logs.Stats()
	return st
}

// VirtualPositions открытые виртуальные позиции с PnL на текущую цену. Вне симуляции пусто.
func (e *Engine) VirtualPositions() []models.VirtualPositionView {
	e.mu.Lock()
	if e.state.Mode != models.ModeSimulation {
		e.mu.Unlock()
		return nil
	}
	vps := make([]models.VirtualPosition, 0, len(e.state.VirtualPositions))
	for _, vp := range e.state.VirtualPositions {
		vps = append(vps, vp)
	}
	tfs := make(map[string]string, len(e.strategies))
	for _, rt := range e.strategies {
		tfs[rt.strategy.ID] = timeframeOf(rt.strategy, e.cfg.DefaultTimeframe)
	}
	e.mu.Unlock()

	out := make([]models.VirtualPositionView, 0, len(vps))
	for _, vp := range vps {
		tf, ok := tfs[vp.StrategyID]
		if !ok {
			tf = e.cfg.DefaultTimeframe
		}
		price, ok := e.md.CurrentPrice(vp.Symbol, tf)
		if !ok {
			continue
		}
		upnl := vp.PnL(price)
		var pct float64
		if cost := vp.EntryPrice * vp.Quantity; cost > 0 {
			pct = upnl / cost * 100
		}
		out = append(out, models.VirtualPositionView{
			VirtualPosition:  vp,
			CurrentPrice:     price,
			UnrealizedPnl:    upnl,
			UnrealizedPnlPct: pct,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// ForceEvaluation перечитывает стратегии и оценивает каждую пару один раз вне расписания.
// На остановленном движке оценка идёт как monitoring.
func (e *Engine) ForceEvaluation(ctx context.Context) (ForceResult, error) {
	if err := e.loadStrategies(ctx); err != nil {
		return ForceResult{Message: err.Error()}, err
	}

	e.mu.Lock()
	if len(e.strategies) == 0 {
		e.mu.Unlock()
		e.log(LevelWarning, catEngine, "force evaluation: no active strategies")
		return ForceResult{Success: false, Message: "no active strategies"}, nil
	}
	var jobs []job
	for _, rt := range e.strategies {
		for _, sym := range rt.strategy.Symbols {
			jobs = append(jobs, job{rt: rt, symbol: sym})
		}
	}
	e.lastBucket = make(map[string]int64)
	mode := e.state.Mode
	e.mu.Unlock()
	if !mode.Running() {
		mode = models.ModeMonitoring
	}

	e.log(LevelInfo, catEngine, "force evaluation of %d pairs (%s)", len(jobs), mode)
	ok := e.runJobs(ctx, jobs, mode)
	e.log(LevelSuccess, catEngine, "force evaluation done: %d/%d", ok, len(jobs))
	return ForceResult{
		Success:          true,
		Message:          "evaluation completed",
		EvaluatedSymbols: ok,
	}, nil
}
