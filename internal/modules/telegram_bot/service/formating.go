package service

import (
	"fmt"
	"strings"

	"futures_engine/internal/models"
	engine "futures_engine/internal/modules/engine/service"
)

func formatStatus(st engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Режим: %s (%s)\n", st.Mode, onOff(st.Running))
	fmt.Fprintf(&b, "Стратегий: %d\n", st.ActiveStrategies)
	fmt.Fprintf(&b, "Breaker: %s, ошибок подряд: %d\n", breakerState(st.CircuitBreakerOpen), st.ConsecutiveFailures)
	if st.StartedAt != nil {
		fmt.Fprintf(&b, "Запущен: %s\n", st.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if sim := st.Simulation; sim != nil {
		fmt.Fprintf(&b, "\n🧪 Симуляция %s\n", sim.SessionID)
		fmt.Fprintf(&b, "Капитал: %s → %s USDT (ROI %s%%)\n", f2(sim.InitialCapital), f2(sim.CurrentCapital), f2(sim.ROI))
		fmt.Fprintf(&b, "Сделок: %d, win rate %s%%, открыто: %d\n", sim.TotalTrades, f2(sim.WinRate), sim.OpenPositions)
		if sim.DurationHours > 0 {
			fmt.Fprintf(&b, "Осталось: %.0f мин\n", sim.RemainingMinutes)
		}
	}
	for _, s := range st.Strategies {
		fmt.Fprintf(&b, "\n• %s [%s] %s: оценок %d, сигналов %d, ошибок %d",
			s.Name, s.Timeframe, strings.Join(s.Symbols, ","), s.Evaluations, s.Signals, s.Errors)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPositions(live []models.Position, virtual []models.VirtualPositionView) string {
	if len(live) == 0 && len(virtual) == 0 {
		return "📭 Открытых позиций нет"
	}

	var b strings.Builder
	b.WriteString("📈 Открытые позиции:\n")
	for _, p := range live {
		fmt.Fprintf(&b, "- %s [%s] qty=%s @ %s lev=%sx\n",
			p.Symbol, strings.ToUpper(string(p.Direction)), f4(p.Quantity), f4(p.EntryPrice), f2(p.Leverage))
	}
	for _, v := range virtual {
		fmt.Fprintf(&b, "- 🧪 %s [%s] qty=%s @ %s now=%s pnl=%s (%s%%)\n",
			v.Symbol, strings.ToUpper(string(v.Direction)), f4(v.Quantity), f4(v.EntryPrice),
			f4(v.CurrentPrice), f2(v.UnrealizedPnl), f2(v.UnrealizedPnlPct))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatForce(res engine.ForceResult) string {
	if !res.Success {
		return "⚠️ " + res.Message
	}
	return fmt.Sprintf("🔁 %s: символов %d", res.Message, res.EvaluatedSymbols)
}

func breakerState(open bool) string {
	if open {
		return "🔴 открыт"
	}
	return "🟢 закрыт"
}
