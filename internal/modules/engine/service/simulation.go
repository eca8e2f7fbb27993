package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"futures_engine/internal/models"
)

// simulateEntry открывает виртуальную позицию на долю текущего капитала.
func (e *Engine) simulateEntry(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction, price float64, out outcome) {
	now := e.now()
	key := positionKey(symbol, d)

	e.mu.Lock()
	sim := e.state.Simulation
	if sim == nil {
		e.mu.Unlock()
		e.log(LevelWarning, catSimulation, "entry %s: no simulation session", key)
		return
	}
	if _, ok := e.state.VirtualPositions[key]; ok {
		e.mu.Unlock()
		e.log(LevelDebug, catSimulation, "virtual position %s already open", key)
		return
	}
	qty := sim.CurrentCapital * e.cfg.VirtualPositionFrac / price
	if !(qty > 0) {
		e.mu.Unlock()
		e.log(LevelWarning, catSimulation, "entry %s: zero quantity, capital %.2f", key, sim.CurrentCapital)
		return
	}
	vp := models.VirtualPosition{
		Symbol:       symbol,
		Direction:    d,
		EntryPrice:   price,
		Quantity:     qty,
		StrategyID:   rt.strategy.ID,
		StrategyName: rt.strategy.Name,
		OpenTime:     now,
	}
	e.state.VirtualPositions[key] = vp
	sessionID := sim.SessionID
	e.syncGaugesLocked()
	e.mu.Unlock()

	err := e.store.SaveSimulationTrade(ctx, models.SimulationTrade{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		StrategyID: rt.strategy.ID,
		Symbol:     symbol,
		Side:       strings.ToUpper(string(d)),
		Action:     models.TradeEntry,
		Quantity:   qty,
		Price:      price,
		Indicators: out.signals,
		ExecutedAt: now,
	})
	if err != nil {
		e.log(LevelError, catSimulation, "save entry trade %s: %v", key, err)
	}

	e.m.OrdersTotal.WithLabelValues(string(models.ModeSimulation), "entry_"+string(d)).Inc()
	e.logDetails(LevelSuccess, catSimulation, map[string]any{
		"symbol": symbol, "direction": d, "price": price, "quantity": qty, "strategyId": rt.strategy.ID,
	}, "virtual %s %s opened at %.8g qty %.8g", strings.ToUpper(string(d)), symbol, price, qty)
	e.notifier.Sendf(ctx, "🧪 %s %s opened at %.8g (%s)", strings.ToUpper(string(d)), symbol, price, rt.strategy.Name)
	e.checkpointOrWarn(ctx, "virtual entry "+key)
}

// simulateExit закрывает виртуальную позицию и обновляет бухгалтерию сессии.
func (e *Engine) simulateExit(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction, price float64, out outcome) {
	now := e.now()
	key := positionKey(symbol, d)

	e.mu.Lock()
	sim := e.state.Simulation
	vp, ok := e.state.VirtualPositions[key]
	if sim == nil || !ok {
		e.mu.Unlock()
		return
	}
	pnl := vp.PnL(price)
	delete(e.state.VirtualPositions, key)
	sim.CurrentCapital += pnl
	sim.TotalPnL += pnl
	sim.TotalTrades++
	if pnl > 0 {
		sim.WinningTrades++
	} else {
		sim.LosingTrades++
	}
	snap := *sim
	e.syncGaugesLocked()
	e.mu.Unlock()

	var pct float64
	if cost := vp.EntryPrice * vp.Quantity; cost > 0 {
		pct = pnl / cost * 100
	}
	err := e.store.SaveSimulationTrade(ctx, models.SimulationTrade{
		ID:            uuid.NewString(),
		SessionID:     snap.SessionID,
		StrategyID:    rt.strategy.ID,
		Symbol:        symbol,
		Side:          strings.ToUpper(string(d)),
		Action:        models.TradeExit,
		Quantity:      vp.Quantity,
		Price:         price,
		PnL:           &pnl,
		PnLPercentage: &pct,
		Indicators:    out.signals,
		ExecutedAt:    now,
	})
	if err != nil {
		e.log(LevelError, catSimulation, "save exit trade %s: %v", key, err)
	}
	if err := e.store.UpdateSession(ctx, sessionRecord(e.cfg.AccountID, snap, now)); err != nil {
		e.log(LevelError, catSimulation, "update session: %v", err)
	}

	level := LevelSuccess
	if pnl < 0 {
		level = LevelWarning
	}
	e.m.OrdersTotal.WithLabelValues(string(models.ModeSimulation), "exit_"+string(d)).Inc()
	e.logDetails(level, catSimulation, map[string]any{
		"symbol":     symbol,
		"direction":  d,
		"entryPrice": vp.EntryPrice,
		"exitPrice":  price,
		"pnl":        pnl,
		"pnlPct":     pct,
		"holding":    now.Sub(vp.OpenTime).Round(time.Second).String(),
		"capital":    snap.CurrentCapital,
	}, "virtual %s %s closed at %.8g, pnl %.4f (%.2f%%)", strings.ToUpper(string(d)), symbol, price, pnl, pct)
	e.notifier.Sendf(ctx, "🧪 %s %s closed at %.8g, PnL %.4f (%.2f%%), capital %.2f",
		strings.ToUpper(string(d)), symbol, price, pnl, pct, snap.CurrentCapital)
	e.checkpointOrWarn(ctx, "virtual exit "+key)
}

// simulationExpired истекла ли длительность сессии.
func (e *Engine) simulationExpired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sim := e.state.Simulation
	if e.state.Mode != models.ModeSimulation || sim == nil || sim.DurationHours <= 0 {
		return false
	}
	return now.Sub(sim.StartTime) >= time.Duration(sim.DurationHours*float64(time.Hour))
}
