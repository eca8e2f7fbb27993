package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"futures_engine/internal/condition"
	"futures_engine/internal/helper"
	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
	"futures_engine/internal/strategy"
)

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		opts StartOptions
		want error
	}{
		{"simulation without capital", StartOptions{Mode: models.ModeSimulation}, ErrInvalidCapital},
		{"negative capital", StartOptions{Mode: models.ModeSimulation, SimulationCapital: -5}, ErrInvalidCapital},
		{"unknown mode", StartOptions{Mode: "paper"}, ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			err := h.e.Start(context.Background(), tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if h.e.Mode() != models.ModeIdle {
				t.Errorf("mode = %s after failed start", h.e.Mode())
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	b := testStrategy("b", "btcusdt")
	b.Timeframe = "60m"
	h.store.setStrategies(testStrategy("a", "BTCUSDT", "ETHUSDT"), b, testStrategy("c", "BTCUSDT"))

	if err := h.e.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}

	want := []string{helper.CacheKey("BTCUSDT", "1h"), helper.CacheKey("BTCUSDT", "5m"), helper.CacheKey("ETHUSDT", "5m")}
	sort.Strings(want)
	if got := h.md.streamKeys(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("streams = %v, want %v", got, want)
	}

	st := h.e.Status()
	if !st.Running || st.Mode != models.ModeMonitoring || st.ActiveStrategies != 3 {
		t.Errorf("status = %+v", st)
	}
	if saved := h.store.savedState(); !saved.Running || saved.Mode != models.ModeMonitoring {
		t.Errorf("saved state = %+v", saved)
	}

	// повторный старт без ошибки
	if err := h.e.Start(ctx, StartOptions{Mode: models.ModeTrading}); err != nil {
		t.Fatal(err)
	}
	if h.e.Mode() != models.ModeMonitoring {
		t.Errorf("mode changed by second start: %s", h.e.Mode())
	}

	if err := h.e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	saved := h.store.savedState()
	if saved.Running || saved.Mode != models.ModeIdle || saved.StoppedAt == nil {
		t.Errorf("saved after stop = %+v", saved)
	}
	if h.md.stopped != 1 || h.md.shutdown != 1 {
		t.Errorf("streams stopped=%d shutdown=%d", h.md.stopped, h.md.shutdown)
	}
	if err := h.e.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if len(h.n.messages()) != 2 {
		t.Errorf("notifications = %q", h.n.messages())
	}
}

func TestEnableTrading(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, Config{})
	if err := h.e.EnableTrading(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("idle: err = %v", err)
	}

	if err := h.e.Start(ctx, StartOptions{Mode: models.ModeMonitoring}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.EnableTrading(ctx); err != nil {
		t.Fatal(err)
	}
	if h.e.Mode() != models.ModeTrading || h.store.savedState().Mode != models.ModeTrading {
		t.Errorf("mode = %s, saved %s", h.e.Mode(), h.store.savedState().Mode)
	}
	if err := h.e.EnableTrading(ctx); err != nil {
		t.Errorf("already trading: %v", err)
	}

	sim := newHarness(t, Config{})
	if err := sim.e.Start(ctx, StartOptions{Mode: models.ModeSimulation, SimulationCapital: 100}); err != nil {
		t.Fatal(err)
	}
	if err := sim.e.EnableTrading(ctx); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("from simulation: err = %v", err)
	}
}

func TestSimulationEntryAndExit(t *testing.T) {
	for _, offload := range []bool{false, true} {
		t.Run(fmt.Sprintf("offload=%v", offload), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{OffloadEvaluation: offload})
			h.store.setStrategies(testStrategy("s1", "BTCUSDT"))
			h.md.setCloses("BTCUSDT", "5m", 100, 100)

			if err := h.e.Start(ctx, StartOptions{Mode: models.ModeSimulation, SimulationCapital: 1000}); err != nil {
				t.Fatal(err)
			}
			h.tick()

			vps := h.e.VirtualPositions()
			if len(vps) != 1 {
				t.Fatalf("virtual positions = %+v", vps)
			}
			assertClose(t, "quantity", vps[0].Quantity, 0.1, 1e-12)
			assertClose(t, "unrealized", vps[0].UnrealizedPnl, 0, 1e-12)
			if vps[0].Direction != models.Long || vps[0].StrategyID != "s1" {
				t.Errorf("position = %+v", vps[0])
			}

			// та же свеча: повторной оценки нет
			h.tick()
			if n := h.store.evaluationCount(); n != 1 {
				t.Fatalf("evaluations in one bucket = %d", n)
			}

			h.clock.Advance(5 * time.Minute)
			h.md.setCloses("BTCUSDT", "5m", 100, 110)
			h.tick()

			if vps := h.e.VirtualPositions(); len(vps) != 0 {
				t.Fatalf("still open: %+v", vps)
			}
			sim := h.e.Status().Simulation
			if sim == nil {
				t.Fatal("no simulation status")
			}
			assertClose(t, "capital", sim.CurrentCapital, 1001, 1e-9)
			assertClose(t, "roi", sim.ROI, 0.1, 1e-9)
			if sim.TotalTrades != 1 || sim.WinningTrades != 1 || sim.WinRate != 100 {
				t.Errorf("simulation = %+v", sim)
			}

			h.store.mu.Lock()
			trades := append([]models.SimulationTrade(nil), h.store.simTrades...)
			evals := append([]models.ConditionEvaluation(nil), h.store.evaluations...)
			h.store.mu.Unlock()

			if len(trades) != 2 || trades[0].Action != models.TradeEntry || trades[1].Action != models.TradeExit {
				t.Fatalf("trades = %+v", trades)
			}
			if trades[1].Side != "LONG" || trades[1].PnL == nil || trades[1].PnLPercentage == nil {
				t.Fatalf("exit trade = %+v", trades[1])
			}
			assertClose(t, "trade pnl", *trades[1].PnL, 1, 1e-9)
			assertClose(t, "trade pnl pct", *trades[1].PnLPercentage, 10, 1e-9)

			if len(evals) != 2 {
				t.Fatalf("evaluations = %d", len(evals))
			}
			if evals[0].ConditionType != models.ConditionEntry || !evals[0].EvaluationResult {
				t.Errorf("entry audit = %+v", evals[0])
			}
			exit := evals[1]
			if exit.ConditionType != models.ConditionExit || !exit.EvaluationResult || exit.Details.Context.ProfitRatePct == nil {
				t.Fatalf("exit audit = %+v", exit)
			}
			assertClose(t, "audit profit", *exit.Details.Context.ProfitRatePct, 10, 1e-9)
			if !exit.Details.Trace["s1-exit-long-pr"] {
				t.Errorf("trace = %v", exit.Details.Trace)
			}

			if err := h.e.Stop(ctx); err != nil {
				t.Fatal(err)
			}
			h.store.mu.Lock()
			defer h.store.mu.Unlock()
			if len(h.store.sessions) != 1 {
				t.Fatalf("sessions = %+v", h.store.sessions)
			}
			for _, sess := range h.store.sessions {
				if sess.Status != models.SessionCompleted || sess.TotalTrades != 1 {
					t.Errorf("session = %+v", sess)
				}
				assertClose(t, "session pnl", sess.TotalPnL, 1, 1e-9)
			}
		})
	}
}

func TestPositionModeEntries(t *testing.T) {
	tests := []struct {
		mode strategy.PositionMode
		want int
	}{
		{strategy.PositionOneWay, 1},
		{strategy.PositionHedge, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := newHarness(t, Config{})
			s := testStrategy("s1", "BTCUSDT")
			s.PositionMode = tt.mode
			s.Entry.Short = strategy.Side{Enabled: true, Conditions: alwaysTrue("s1-entry-short")}
			h.store.setStrategies(s)
			h.md.setCloses("BTCUSDT", "5m", 100, 100)

			if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeSimulation, SimulationCapital: 1000}); err != nil {
				t.Fatal(err)
			}
			h.tick()

			if got := len(h.e.VirtualPositions()); got != tt.want {
				t.Errorf("virtual positions = %d, want %d", got, tt.want)
			}
			// обе стороны оцениваются в любом режиме
			if n := h.store.evaluationCount(); n != 2 {
				t.Errorf("evaluations = %d", n)
			}
		})
	}
}

func TestLiveEntryAndExit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.ex.creds = true
	h.ex.inst = models.Instrument{TickSz: 0.1, LotSz: 1, MinSz: 1, CtVal: 0.01}

	stop := 90.0
	s := testStrategy("s1", "BTCUSDT")
	s.Leverage = &strategy.Leverage{Mode: strategy.LeverageUniform, Value: 10}
	s.InitialMargin = &strategy.InitialMargin{Mode: strategy.MarginUSDTAmount, Value: 100}
	s.Entry.Long.Conditions = alwaysTrue("s1-entry-long", &condition.ActionNode{
		ID:     "sl",
		Action: condition.Action{Kind: models.ActionStoploss, PriceMode: "input", Price: &stop},
	})
	h.store.setStrategies(s)
	h.md.setCloses("BTCUSDT", "5m", 100, 100)

	if err := h.e.Start(ctx, StartOptions{Mode: models.ModeMonitoring}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.EnableTrading(ctx); err != nil {
		t.Fatal(err)
	}
	h.tick()

	orders := h.ex.placed()
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	entry, sl := orders[0], orders[1]
	if entry.Side != "buy" || entry.PosSide != "net" || entry.Type != models.TypeMarket || entry.ReduceOnly {
		t.Errorf("entry = %+v", entry)
	}
	assertClose(t, "entry qty", entry.Quantity, 1000, 1e-9)
	if sl.Side != "sell" || sl.Type != models.TypeStopMarket || !sl.ReduceOnly {
		t.Errorf("stoploss = %+v", sl)
	}
	assertClose(t, "stop price", sl.StopPrice, 90, 1e-9)
	assertClose(t, "stop qty", sl.Quantity, 1000, 1e-9)
	if len(h.ex.leverages) != 1 || h.ex.leverages[0] != "BTCUSDT x10 cross net" {
		t.Errorf("leverage calls = %v", h.ex.leverages)
	}
	if ps := h.e.Status().Positions; len(ps) != 1 || ps[0].ContractValue != 0.01 {
		t.Fatalf("positions = %+v", ps)
	}

	h.clock.Advance(5 * time.Minute)
	h.md.setCloses("BTCUSDT", "5m", 100, 110)
	h.tick()

	orders = h.ex.placed()
	if len(orders) != 3 {
		t.Fatalf("orders after exit = %+v", orders)
	}
	exit := orders[2]
	if exit.Side != "sell" || !exit.ReduceOnly || exit.Type != models.TypeMarket {
		t.Errorf("exit = %+v", exit)
	}
	assertClose(t, "exit qty", exit.Quantity, 1000, 1e-9)
	if ps := h.e.Status().Positions; len(ps) != 0 {
		t.Errorf("positions after exit = %+v", ps)
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.closed) != 1 || len(h.store.trades) != 2 {
		t.Fatalf("closed = %v trades = %+v", h.store.closed, h.store.trades)
	}
	for _, pnl := range h.store.closed {
		assertClose(t, "realized", pnl, 100, 1e-9)
	}
	assertClose(t, "trade pnl", h.store.trades[1].PnL, 100, 1e-9)
}

func TestRejectedOrderIsNotAFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.ex.creds = true
	h.ex.reject = true
	h.ex.inst = models.Instrument{LotSz: 1, MinSz: 1, CtVal: 0.01}
	h.store.setStrategies(testStrategy("s1", "BTCUSDT"))
	h.md.setCloses("BTCUSDT", "5m", 100, 100)

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeTrading}); err != nil {
		t.Fatal(err)
	}
	h.tick()

	if len(h.ex.placed()) != 1 {
		t.Fatalf("orders = %+v", h.ex.placed())
	}
	st := h.e.Status()
	if st.ConsecutiveFailures != 0 || len(st.Positions) != 0 {
		t.Errorf("status = %+v", st)
	}
	found := false
	for _, m := range h.n.messages() {
		found = found || strings.Contains(m, "insufficient margin")
	}
	if !found {
		t.Errorf("no rejection notification: %q", h.n.messages())
	}
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxConsecutiveFailures: 5, FatalMultiplier: 2, BreakerCooldown: 10 * time.Minute})
	s := testStrategy("s1", "AAAUSDT", "BBBUSDT", "CCCUSDT")
	s.Timeframe = "1m"
	h.store.setStrategies(s)
	h.md.setFetchErr(errors.New("okx down"))

	if err := h.e.Start(ctx, StartOptions{Mode: models.ModeMonitoring}); err != nil {
		t.Fatal(err)
	}

	h.tick()
	if st := h.e.Status(); st.ConsecutiveFailures != 3 || st.CircuitBreakerOpen {
		t.Fatalf("after 3 failures: %+v", st)
	}

	h.clock.Advance(time.Minute)
	h.tick()
	st := h.e.Status()
	if st.ConsecutiveFailures != 6 || !st.CircuitBreakerOpen {
		t.Fatalf("after 6 failures: %+v", st)
	}
	if st.Strategies[0].Errors != 6 || !strings.Contains(st.Strategies[0].LastError, "okx down") {
		t.Errorf("strategy stats = %+v", st.Strategies[0])
	}
	if !h.store.savedState().CircuitBreakerOpen {
		t.Error("breaker state not checkpointed")
	}

	// открытый breaker пропускает тики
	fetches := h.md.fetchCount()
	h.clock.Advance(time.Minute)
	h.tick()
	if h.md.fetchCount() != fetches {
		t.Error("evaluated while breaker open")
	}

	h.clock.Advance(10 * time.Minute)
	h.md.setFetchErr(nil)
	for _, sym := range s.Symbols {
		h.md.setCloses(sym, "1m", 100, 100)
	}
	h.tick()
	st = h.e.Status()
	if st.CircuitBreakerOpen || st.ConsecutiveFailures != 0 {
		t.Errorf("after cooldown: %+v", st)
	}

	trips := 0
	for _, m := range h.n.messages() {
		if strings.Contains(m, "Circuit breaker") {
			trips++
		}
	}
	if trips != 1 {
		t.Errorf("breaker notifications = %d (%q)", trips, h.n.messages())
	}
}

func TestFatalStopAfterTooManyFailures(t *testing.T) {
	h := newHarness(t, Config{MaxConsecutiveFailures: 5, FatalMultiplier: 2})
	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%dUSDT", i)
	}
	h.store.setStrategies(testStrategy("s1", symbols...))
	h.md.setFetchErr(errors.New("timeout"))

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeMonitoring}); err != nil {
		t.Fatal(err)
	}
	h.tick()

	if h.e.Mode() != models.ModeIdle {
		t.Fatalf("mode = %s, want idle", h.e.Mode())
	}
	if h.store.savedState().Running {
		t.Error("stopped state not saved")
	}
	found := false
	for _, m := range h.n.messages() {
		found = found || strings.Contains(m, "too many errors")
	}
	if !found {
		t.Errorf("no fatal notification: %q", h.n.messages())
	}
}

func TestSimulationDurationElapsed(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeSimulation, SimulationCapital: 500, DurationHours: 1}); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Minute)
	h.tick()
	if h.e.Mode() != models.ModeSimulation {
		t.Fatalf("stopped early: %s", h.e.Mode())
	}

	h.clock.Advance(31 * time.Minute)
	h.tick()
	if h.e.Mode() != models.ModeIdle {
		t.Fatalf("mode = %s after duration", h.e.Mode())
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	for _, sess := range h.store.sessions {
		if sess.Status != models.SessionCompleted {
			t.Errorf("session = %+v", sess)
		}
	}
}

func TestStartResumesSimulation(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.state = &models.EngineState{
		Running: true,
		Mode:    models.ModeSimulation,
		Simulation: &models.SimulationState{
			SessionID: "old", InitialCapital: 500, CurrentCapital: 520, TotalTrades: 2, StartTime: t0.Add(-time.Hour),
		},
		VirtualPositions: map[string]models.VirtualPosition{
			"BTCUSDT_long": {Symbol: "BTCUSDT", Direction: models.Long, EntryPrice: 100, Quantity: 0.05, OpenTime: t0},
		},
	}
	h.store.sessions["old"] = models.SimulationSession{ID: "old", Status: models.SessionRunning}

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeSimulation}); err != nil {
		t.Fatal(err)
	}
	sim := h.e.Status().Simulation
	if sim == nil || sim.SessionID != "old" || sim.CurrentCapital != 520 || sim.OpenPositions != 1 {
		t.Fatalf("simulation = %+v", sim)
	}
	found := false
	for _, l := range h.e.Logs().Logs(0) {
		found = found || strings.Contains(l.Message, "not stopped cleanly")
	}
	if !found {
		t.Error("restart warning not logged")
	}
}

func TestUntrackedExchangePositionsAreAdopted(t *testing.T) {
	h := newHarness(t, Config{})
	h.ex.creds = true
	h.ex.positions = []models.Position{
		{Symbol: "BTCUSDT", Direction: models.Long, Quantity: 3, Status: models.PositionOpen},
		{Symbol: "ETHUSDT", Direction: models.Short, Quantity: 5, Status: models.PositionOpen},
	}
	h.store.positions["p1"] = models.Position{ID: "p1", StrategyID: "s1", Symbol: "BTCUSDT", Direction: models.Long, Quantity: 3, Status: models.PositionOpen}

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeTrading}); err != nil {
		t.Fatal(err)
	}
	ps := h.e.Status().Positions
	if len(ps) != 2 {
		t.Fatalf("positions = %+v", ps)
	}
	for _, p := range ps {
		if p.Symbol == "BTCUSDT" && p.ID != "p1" {
			t.Errorf("tracked position replaced: %+v", p)
		}
		if p.Symbol == "ETHUSDT" && (p.StrategyID != "" || p.ID == "") {
			t.Errorf("adopted position = %+v", p)
		}
	}
}

func TestForceEvaluation(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, Config{})
	res, err := h.e.ForceEvaluation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res != (ForceResult{Success: false, Message: "no active strategies"}) {
		t.Errorf("empty = %+v", res)
	}

	h.store.setStrategies(testStrategy("s1", "BTCUSDT", "ETHUSDT"))
	h.md.setCloses("BTCUSDT", "5m", 100, 101)
	h.md.setCloses("ETHUSDT", "5m", 10, 11)

	res, err = h.e.ForceEvaluation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.EvaluatedSymbols != 2 {
		t.Errorf("result = %+v", res)
	}
	if n := h.store.evaluationCount(); n != 2 {
		t.Errorf("evaluations = %d", n)
	}
	// idle движок оценивает как monitoring: ордеров и позиций нет
	if len(h.ex.placed()) != 0 || len(h.e.VirtualPositions()) != 0 {
		t.Error("idle force evaluation acted on signals")
	}

	// повторный вызов игнорирует gating
	if res, _ = h.e.ForceEvaluation(ctx); res.EvaluatedSymbols != 2 || h.store.evaluationCount() != 4 {
		t.Errorf("second force = %+v, evaluations %d", res, h.store.evaluationCount())
	}
}

func TestIndicatorFailureYieldsFalseSignal(t *testing.T) {
	h := newHarness(t, Config{})
	s := testStrategy("s1", "BTCUSDT")
	tree := alwaysTrue("s1-entry-long")
	root := tree.Root.(*condition.GroupNode)
	root.Children = append(root.Children, &condition.IndicatorNode{
		ID:         "rsi",
		Indicator:  condition.IndicatorRef{Type: indicator.TypeRSI, Config: indicator.Config{Period: 14}},
		Comparison: indicator.Comparison{Kind: indicator.CompareValue, Comparator: models.CmpUnder, Value: 101},
	})
	s.Entry.Long.Conditions = tree
	h.store.setStrategies(s)
	h.md.setCloses("BTCUSDT", "5m", 100, 101, 102)

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeSimulation, SimulationCapital: 1000}); err != nil {
		t.Fatal(err)
	}
	h.tick()

	if len(h.e.VirtualPositions()) != 0 {
		t.Fatal("entered on failed indicator")
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.evaluations) != 1 {
		t.Fatalf("evaluations = %d", len(h.store.evaluations))
	}
	ev := h.store.evaluations[0]
	if ev.EvaluationResult || ev.Details.Indicators["rsi"] {
		t.Errorf("audit = %+v", ev)
	}
	d := ev.Details.IndicatorDetails
	if len(d) != 1 || d[0].Value != nil || d[0].Error == "" || d[0].Type != "rsi" {
		t.Errorf("indicator details = %+v", d)
	}
	if h.e.Status().ConsecutiveFailures != 0 {
		t.Error("indicator failure counted by breaker")
	}
}

func TestLiveEntryIgnoresPlannedBuySell(t *testing.T) {
	usdt := func(v float64) *float64 { return &v }
	order := func(id string, kind models.ActionKind, amount float64) condition.Node {
		return &condition.ActionNode{ID: id, Action: condition.Action{
			Kind: kind, OrderType: models.OrderMarket, AmountMode: models.AmountUSDT, USDT: usdt(amount),
		}}
	}
	tests := []struct {
		name     string
		dir      models.Direction
		actions  []condition.Node
		wantSide string
	}{
		{"short with buy", models.Short, []condition.Node{order("buy", models.ActionBuy, 50)}, "sell"},
		{"long with buy and sell", models.Long, []condition.Node{order("buy", models.ActionBuy, 50), order("sell", models.ActionSell, 30)}, "buy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.ex.creds = true
			h.ex.inst = models.Instrument{TickSz: 0.1, LotSz: 1, MinSz: 1, CtVal: 0.01}

			s := testStrategy("s1", "BTCUSDT")
			s.Entry.Long = strategy.Side{}
			side := strategy.Side{Enabled: true, Conditions: alwaysTrue("s1-entry-"+string(tt.dir), tt.actions...)}
			if tt.dir == models.Short {
				s.Entry.Short = side
			} else {
				s.Entry.Long = side
			}
			h.store.setStrategies(s)
			h.md.setCloses("BTCUSDT", "5m", 100, 100)

			if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeTrading}); err != nil {
				t.Fatal(err)
			}
			h.tick()

			orders := h.ex.placed()
			if len(orders) != 1 {
				t.Fatalf("placed %d orders, want only the entry: %+v", len(orders), orders)
			}
			entry := orders[0]
			if entry.Side != tt.wantSide || entry.Type != models.TypeMarket || entry.ReduceOnly {
				t.Errorf("entry = %+v", entry)
			}
			assertClose(t, "entry qty", entry.Quantity, 100, 1e-9)

			ps := h.e.Status().Positions
			if len(ps) != 1 || ps[0].Direction != tt.dir {
				t.Fatalf("positions = %+v", ps)
			}
			assertClose(t, "tracked qty", ps[0].Quantity, entry.Quantity, 1e-9)

			// план остаётся в аудите
			h.store.mu.Lock()
			defer h.store.mu.Unlock()
			var planned []models.PlannedOrder
			for _, ev := range h.store.evaluations {
				if ev.EvaluationResult {
					planned = append(planned, ev.Details.Orders...)
				}
			}
			if len(planned) != len(tt.actions) {
				t.Errorf("audited orders = %+v", planned)
			}
		})
	}
}

func TestConcurrentEntriesOpenOnePosition(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ex.creds = true
	h.ex.inst = models.Instrument{LotSz: 1, MinSz: 1, CtVal: 0.01}
	h.ex.hold = make(chan struct{})
	h.store.setStrategies(testStrategy("s1", "BTCUSDT"), testStrategy("s2", "BTCUSDT"))
	h.md.setCloses("BTCUSDT", "5m", 100, 100)

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeTrading}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h.tick()
		close(done)
	}()
	// первый вход висит на бирже, второй должен упереться в резерв
	waitFor(t, "first entry", func() bool { return len(h.ex.placed()) == 1 })
	waitFor(t, "second entry skipped", func() bool { return h.logged("entry in flight") })
	close(h.ex.hold)
	<-done

	if n := len(h.ex.placed()); n != 1 {
		t.Fatalf("entry orders = %d, want 1", n)
	}
	if ps := h.e.Status().Positions; len(ps) != 1 {
		t.Fatalf("positions = %+v", ps)
	}

	// резерв снят после входа: повтор упирается уже в открытую позицию
	if !h.e.reserveEntry("ETHUSDT_long") {
		t.Error("unrelated key reserved")
	}
	if h.e.reserveEntry(positionKey("BTCUSDT", models.Long)) {
		t.Error("open position not reserved")
	}
}

func TestConcurrentStartRunsOneLoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.setStrategies(testStrategy("s1", "BTCUSDT"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeMonitoring}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := h.notified("Engine started"); n != 1 {
		t.Errorf("started %d times", n)
	}
	h.md.mu.Lock()
	streams := h.md.streams[helper.CacheKey("BTCUSDT", "5m")]
	h.md.mu.Unlock()
	if streams != 1 {
		t.Errorf("stream started %d times", streams)
	}
}

func TestShutdownKeepsSimulationForResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.store.setStrategies(testStrategy("s1", "BTCUSDT"))
	h.md.setCloses("BTCUSDT", "5m", 100, 100)

	if err := h.e.Start(ctx, StartOptions{Mode: models.ModeSimulation, SimulationCapital: 1000}); err != nil {
		t.Fatal(err)
	}
	h.tick()
	session := h.e.Status().Simulation.SessionID

	if err := h.e.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	saved := h.store.savedState()
	if !saved.Running || saved.Mode != models.ModeSimulation || saved.Simulation == nil || saved.StoppedAt == nil {
		t.Fatalf("saved after shutdown = %+v", saved)
	}
	if len(saved.VirtualPositions) != 1 {
		t.Errorf("virtual positions lost: %+v", saved.VirtualPositions)
	}
	h.store.mu.Lock()
	status := h.store.sessions[session].Status
	h.store.mu.Unlock()
	if status != models.SessionRunning {
		t.Errorf("session status = %s after shutdown", status)
	}
	if h.notified("Engine stopped") != 0 {
		t.Errorf("shutdown notified as stop: %q", h.n.messages())
	}

	// новый процесс: тот же store, запуск без капитала
	next := New(Config{PollInterval: time.Hour}, Deps{Market: h.md, Exchange: h.ex, Store: h.store})
	next.now = h.clock.Now
	t.Cleanup(func() { _ = next.Stop(ctx) })
	if err := next.Start(ctx, StartOptions{Mode: models.ModeSimulation}); err != nil {
		t.Fatal(err)
	}
	sim := next.Status().Simulation
	if sim == nil || sim.SessionID != session || sim.OpenPositions != 1 {
		t.Fatalf("resumed simulation = %+v", sim)
	}
	for _, l := range next.Logs().Logs(0) {
		if strings.Contains(l.Message, "not stopped cleanly") {
			t.Error("graceful shutdown reported as crash")
		}
	}
}

func TestCheckpointFailureIsLogged(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.setStrategies(testStrategy("s1", "BTCUSDT"))
	h.md.setCloses("BTCUSDT", "5m", 100, 100)

	if err := h.e.Start(context.Background(), StartOptions{Mode: models.ModeSimulation, SimulationCapital: 1000}); err != nil {
		t.Fatal(err)
	}
	h.store.setSaveErr(errors.New("db is read-only"))
	h.tick()

	if len(h.e.VirtualPositions()) != 1 {
		t.Fatal("entry rolled back by failed checkpoint")
	}
	if !h.logged("checkpoint after virtual entry BTCUSDT_long") {
		t.Errorf("checkpoint error not logged: %+v", h.e.Logs().Logs(0))
	}
	h.store.setSaveErr(nil)
}

// close(now) > close(prev)+0.2 И пробой SMA(20) снизу вверх.
func breakoutStrategy(id string) strategy.Strategy {
	s := testStrategy(id, "BTCUSDT")
	s.Entry.Long = strategy.Side{Enabled: true, Conditions: condition.Tree{Root: &condition.GroupNode{
		ID: id + "-entry-long", Operator: condition.OpAnd, Children: []condition.Node{
			&condition.CandleNode{ID: id + "-jump", Enabled: true, Field: models.FieldClose, Comparator: models.CmpOver,
				Target: &condition.CandleTarget{Reference: models.RefPrevious, Offset: 0.2}},
			&condition.IndicatorNode{ID: id + "-sma",
				Indicator: condition.IndicatorRef{Type: indicator.TypeMA, Config: indicator.Config{Period: 20, Actions: []string{"break_above"}}}},
		},
	}}}
	return s
}

func TestBreakoutEntryScenario(t *testing.T) {
	flat := func(last float64) []float64 {
		closes := make([]float64, 25)
		for i := range closes {
			closes[i] = 100
		}
		closes[24] = last
		return closes
	}
	tests := []struct {
		name string
		mode models.Mode
		last float64
		want int
	}{
		{"trading breakout", models.ModeTrading, 110, 1},
		{"trading jump below offset", models.ModeTrading, 100.1, 0},
		{"simulation breakout", models.ModeSimulation, 110, 1},
		{"simulation jump below offset", models.ModeSimulation, 100.1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.ex.creds = true
			h.ex.inst = models.Instrument{LotSz: 1, MinSz: 1, CtVal: 0.01}
			h.store.setStrategies(breakoutStrategy("s1"))
			h.md.setCloses("BTCUSDT", "5m", flat(tt.last)...)

			opts := StartOptions{Mode: tt.mode}
			if tt.mode == models.ModeSimulation {
				opts.SimulationCapital = 1000
			}
			if err := h.e.Start(context.Background(), opts); err != nil {
				t.Fatal(err)
			}
			h.tick()
			h.clock.Advance(time.Minute)
			h.tick() // тот же бакет 5m: повторного входа нет

			h.store.mu.Lock()
			simTrades := len(h.store.simTrades)
			h.store.mu.Unlock()
			live, virtual := h.e.Status().Positions, h.e.VirtualPositions()

			if tt.mode == models.ModeTrading {
				if len(live) != tt.want || len(h.ex.placed()) != tt.want {
					t.Errorf("positions = %+v, orders = %+v", live, h.ex.placed())
				}
				if len(virtual) != 0 || simTrades != 0 {
					t.Errorf("virtual = %+v, sim trades = %d", virtual, simTrades)
				}
				return
			}
			if len(virtual) != tt.want || simTrades != tt.want {
				t.Errorf("virtual = %+v, sim trades = %d", virtual, simTrades)
			}
			if tt.want == 1 {
				assertClose(t, "virtual qty", virtual[0].Quantity, 1000*0.01/tt.last, 1e-12)
			}
			if len(h.ex.placed()) != 0 || len(live) != 0 {
				t.Errorf("simulation touched exchange: orders %+v, positions %+v", h.ex.placed(), live)
			}
		})
	}
}
