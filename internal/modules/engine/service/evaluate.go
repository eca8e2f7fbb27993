package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"futures_engine/internal/condition"
	"futures_engine/internal/indicator"
	"futures_engine/internal/models"
	exchange "futures_engine/internal/modules/exchange/service"
	"futures_engine/internal/planner"
	"futures_engine/internal/strategy"
	"futures_engine/pkg/tracing"
)

const quoteAsset = "USDT"

// outcome результат оценки одного дерева.
type outcome struct {
	result  bool
	trace   condition.Trace
	signals map[string]bool
	details []models.IndicatorDetail
	orders  []models.PlannedOrder
}

// held открытая позиция в разрезе, общем для живых и виртуальных.
type held struct {
	direction  models.Direction
	entryPrice float64
	quantity   float64
	ctVal      float64
	leverage   float64
	openedAt   time.Time
}

func (h held) notional(price float64) float64 {
	ct := h.ctVal
	if ct <= 0 {
		ct = 1
	}
	return h.quantity * ct * price
}

func (h held) pnl(price float64) float64 {
	diff := price - h.entryPrice
	if h.direction == models.Short {
		diff = -diff
	}
	ct := h.ctVal
	if ct <= 0 {
		ct = 1
	}
	return diff * h.quantity * ct
}

func (h held) profitPct(price float64) float64 {
	if h.entryPrice == 0 {
		return 0
	}
	pct := (price - h.entryPrice) / h.entryPrice * 100
	if h.direction == models.Short {
		pct = -pct
	}
	return pct
}

// evaluateSymbol одна пара (стратегия, символ). Ошибка идёт в breaker, ордерные сбои нет.
func (e *Engine) evaluateSymbol(ctx context.Context, rt *strategyRuntime, symbol string, mode models.Mode) (err error) {
	s := rt.strategy
	tf := timeframeOf(s, e.cfg.DefaultTimeframe)

	span, ctx := tracing.StartSpan(ctx, "engine.evaluateSymbol", map[string]any{
		"strategy": s.ID, "symbol": symbol, "timeframe": tf, "mode": string(mode),
	})
	start := time.Now()
	defer func() {
		e.m.SymbolEvalDur.Observe(time.Since(start).Seconds())
		tracing.Finish(span, err)
	}()

	candles, err := e.candles(ctx, symbol, tf)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		e.log(LevelWarning, catMarket, "no candles for %s %s", symbol, tf)
		return nil
	}

	current := candles[len(candles)-1]
	pair := models.CandlePair{Current: &current}
	if len(candles) > 1 {
		prev := candles[len(candles)-2]
		pair.Previous = &prev
	}
	price, ok := e.md.CurrentPrice(symbol, tf)
	if !ok {
		price = current.Close
	}
	if !(price > 0) {
		e.log(LevelWarning, catMarket, "no price for %s", symbol)
		return nil
	}

	positions := e.heldPositions(s, symbol, mode)
	if len(positions) > 0 {
		for _, h := range positions {
			if err := e.evaluateExit(ctx, rt, symbol, mode, h, price, candles, pair); err != nil {
				return err
			}
		}
		return nil
	}

	entered := false
	for _, d := range []models.Direction{models.Long, models.Short} {
		root := s.EntryTree(d)
		if root == nil {
			continue
		}
		cctx := e.baseContext(symbol, d, pair)
		out, err := e.evaluateTree(ctx, root, cctx, candles, price, symbol, planner.Runtime{WalletBalance: walletOf(cctx)})
		if err != nil {
			return err
		}
		e.recordEvaluation(rt, symbol, models.ConditionEntry, "entry_"+string(d), d, price, nil, out)
		if !out.result {
			continue
		}
		if entered && !s.Hedge() {
			e.log(LevelInfo, catCondition, "%s %s entry skipped: one-way mode, already entered", symbol, d)
			continue
		}
		e.onEntrySignal(ctx, rt, symbol, d, price, mode, out)
		entered = true
	}
	return nil
}

func (e *Engine) evaluateExit(ctx context.Context, rt *strategyRuntime, symbol string, mode models.Mode,
	h held, price float64, candles []models.Candle, pair models.CandlePair) error {
	s := rt.strategy
	root := s.ExitTree(h.direction)
	if root == nil {
		return nil
	}

	cctx := e.baseContext(symbol, h.direction, pair)
	pct := h.profitPct(price)
	upnl := h.pnl(price)
	age := e.now().Sub(h.openedAt)
	notional := h.notional(price)
	lev := h.leverage
	if lev < 1 {
		lev = 1
	}
	buys := 1
	cctx.ProfitRatePct = &pct
	cctx.UnrealizedPnl = &condition.AssetValue{Asset: quoteAsset, Value: upnl}
	cctx.EntryAge = &age
	cctx.PositionSize = &condition.AssetValue{Asset: quoteAsset, Value: notional}
	cctx.Margin = &condition.AssetValue{Asset: quoteAsset, Value: notional / lev}
	cctx.BuyCount = &buys

	if cctx.WalletBalance == nil && mode == models.ModeTrading && needsWallet(root) {
		if bal, err := e.ex.Balance(ctx, quoteAsset); err == nil {
			cctx.WalletBalance = &condition.AssetValue{Asset: quoteAsset, Value: bal.Equity}
		} else {
			e.log(LevelWarning, catOrder, "balance: %v", err)
		}
	}
	if w := walletOf(cctx); w > 0 {
		rate := notional / lev / w * 100
		cctx.InitialMarginRate = &rate
	}

	entryNotional := h.notional(h.entryPrice)
	out, err := e.evaluateTree(ctx, root, cctx, candles, price, symbol, planner.Runtime{
		PositionNotional:     notional,
		WalletBalance:        walletOf(cctx),
		InitialEntryNotional: entryNotional,
	})
	if err != nil {
		return err
	}
	e.recordEvaluation(rt, symbol, models.ConditionExit, "exit", h.direction, price, &pct, out)
	if out.result {
		e.onExitSignal(ctx, rt, symbol, h.direction, price, mode, out)
	}
	return nil
}

// evaluateTree индикаторы, дерево и план ордеров для одного корня.
func (e *Engine) evaluateTree(ctx context.Context, root condition.Node, cctx condition.Context,
	candles []models.Candle, price float64, symbol string, rt planner.Runtime) (outcome, error) {
	plan := condition.ToExecutablePlan(root)

	out := outcome{signals: make(map[string]bool, len(plan.Indicators))}
	values := make(map[string]float64, len(plan.Indicators))
	for _, leaf := range plan.Indicators {
		res := e.calc.Evaluate(leaf.Spec, indicator.Input{
			Candles:   candles,
			Current:   cctx.Candles.Current,
			Previous:  cctx.Candles.Previous,
			Values:    values,
			Direction: cctx.Direction,
		})
		out.signals[leaf.ID] = res.Signal
		if res.Value != nil {
			values[leaf.ID] = *res.Value
		}
		out.details = append(out.details, models.IndicatorDetail{
			ID:         leaf.ID,
			Type:       string(leaf.Spec.Type),
			Value:      res.Value,
			Signal:     res.Signal,
			Config:     leaf.Spec.Config,
			Comparison: leaf.Spec.Comparison,
			Metric:     leaf.Spec.Metric,
			Error:      res.Error,
			Details:    res.Details,
		})
	}

	if e.cfg.OffloadEvaluation {
		resp, err := e.worker.Evaluate(ctx, condition.Request{Root: root, Context: cctx, Signals: out.signals})
		if err != nil {
			return out, fmt.Errorf("condition worker: %w", err)
		}
		if resp.Error != "" {
			return out, errors.Errorf("condition worker: %s", resp.Error)
		}
		out.result, out.trace = resp.Result, resp.Trace
	} else {
		out.result, out.trace = condition.EvaluateWithTrace(root, cctx, out.signals)
	}

	if !out.result || len(plan.Actions) == 0 {
		return out, nil
	}
	series := make(map[string][]float64, len(plan.Indicators))
	for _, leaf := range plan.Indicators {
		series[leaf.ID] = indicator.NumericSeries(leaf.Spec.Type, leaf.Spec.Config, candles)
	}
	intents := condition.BuildActionIntents(plan, out.result, out.trace, planner.NewResolver(series))
	if len(intents) > 0 {
		out.orders = planner.Materialize(intents, e.constraints(ctx, symbol), price, rt,
			planner.Options{UseMinNotionalFallback: e.cfg.MinNotionalFallback})
	}
	return out, nil
}

func (e *Engine) baseContext(symbol string, d models.Direction, pair models.CandlePair) condition.Context {
	cctx := condition.Context{Symbol: symbol, Direction: d, Candles: pair}
	e.mu.Lock()
	if e.state.Simulation != nil {
		cctx.WalletBalance = &condition.AssetValue{Asset: quoteAsset, Value: e.state.Simulation.CurrentCapital}
	}
	e.mu.Unlock()
	return cctx
}

func leverageFor(s strategy.Strategy, symbol string) float64 {
	if s.Leverage == nil {
		return 1
	}
	return s.Leverage.For(symbol)
}

func walletOf(c condition.Context) float64 {
	if c.WalletBalance == nil {
		return 0
	}
	return c.WalletBalance.Value
}

func needsWallet(root condition.Node) bool {
	for _, st := range condition.ToExecutablePlan(root).Statuses {
		if st.Metric == condition.MetricWalletBalance || st.Metric == condition.MetricInitialMarginRate {
			return true
		}
	}
	return false
}

// candles свечи из кэша, при пустом кэше REST.
func (e *Engine) candles(ctx context.Context, symbol, tf string) ([]models.Candle, error) {
	if cs := e.md.Klines(symbol, tf, 0); len(cs) > 0 {
		return cs, nil
	}
	cs, err := e.md.FetchKlines(ctx, symbol, tf, e.cfg.KlineFallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
	}
	return cs, nil
}

// heldPositions открытые позиции стратегии по символу: виртуальные в симуляции, живые иначе.
func (e *Engine) heldPositions(s strategy.Strategy, symbol string, mode models.Mode) []held {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []held
	for _, d := range []models.Direction{models.Long, models.Short} {
		key := positionKey(symbol, d)
		if mode == models.ModeSimulation {
			vp, ok := e.state.VirtualPositions[key]
			if !ok {
				continue
			}
			out = append(out, held{
				direction:  d,
				entryPrice: vp.EntryPrice,
				quantity:   vp.Quantity,
				ctVal:      1,
				leverage:   leverageFor(s, symbol),
				openedAt:   vp.OpenTime,
			})
			continue
		}
		p, ok := e.positions[key]
		if !ok {
			continue
		}
		lev := p.Leverage
		if lev < 1 {
			lev = leverageFor(s, symbol)
		}
		out = append(out, held{
			direction:  d,
			entryPrice: p.EntryPrice,
			quantity:   p.Quantity,
			ctVal:      p.ContractValue,
			leverage:   lev,
			openedAt:   p.EntryTime,
		})
	}
	return out
}

// constraints ограничения инструмента из кэша. Без метаданных пустые, планировщик тогда не округляет.
func (e *Engine) constraints(ctx context.Context, symbol string) planner.Constraints {
	inst, err := e.instrument(ctx, symbol)
	if err != nil {
		e.log(LevelWarning, catOrder, "instrument %s: %v", symbol, err)
		return planner.Constraints{}
	}
	return exchange.Constraints(inst)
}

func (e *Engine) instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	e.mu.Lock()
	inst, ok := e.instruments[symbol]
	e.mu.Unlock()
	if ok {
		return inst, nil
	}
	inst, err := e.ex.Instrument(ctx, symbol)
	if err != nil {
		return models.Instrument{}, err
	}
	e.mu.Lock()
	e.instruments[symbol] = inst
	e.mu.Unlock()
	return inst, nil
}

// recordEvaluation счётчики, метрика и запись аудита.
func (e *Engine) recordEvaluation(rt *strategyRuntime, symbol string, typ models.ConditionType, label string,
	d models.Direction, price float64, profitPct *float64, out outcome) {
	now := e.now()

	e.mu.Lock()
	rt.stats.Evaluations++
	rt.stats.LastEvalAt = now
	if out.result {
		rt.stats.Signals++
	}
	e.mu.Unlock()
	e.m.EvaluationsTotal.WithLabelValues(label, strconv.FormatBool(out.result)).Inc()

	ev := models.ConditionEvaluation{
		ID:               uuid.NewString(),
		StrategyID:       rt.strategy.ID,
		Symbol:           symbol,
		ConditionType:    typ,
		EvaluationResult: out.result,
		EvaluatedAt:      now,
	}
	ev.Details.Indicators = out.signals
	ev.Details.IndicatorDetails = out.details
	ev.Details.Trace = out.trace
	ev.Details.Orders = out.orders
	ev.Details.Context.CurrentPrice = price
	ev.Details.Context.Direction = d
	ev.Details.Context.ProfitRatePct = profitPct

	// отдельный контекст: аудит пишется и при отмене тика
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveEvaluation(sctx, ev); err != nil {
		e.log(LevelWarning, catCondition, "save evaluation %s %s: %v", rt.strategy.ID, symbol, err)
	}

	if out.result {
		e.logDetails(LevelInfo, catCondition, map[string]any{
			"strategyId": rt.strategy.ID, "symbol": symbol, "type": label, "price": price, "orders": len(out.orders),
		}, "%s signal %s %s (%s)", label, symbol, d, rt.strategy.Name)
	}
}

func (e *Engine) onEntrySignal(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction,
	price float64, mode models.Mode, out outcome) {
	switch mode {
	case models.ModeSimulation:
		e.simulateEntry(ctx, rt, symbol, d, price, out)
	case models.ModeTrading:
		e.liveEntry(ctx, rt, symbol, d, price, out)
	default:
		e.log(LevelInfo, catCondition, "monitoring: entry %s %s at %.8g, no order", symbol, d, price)
	}
}

func (e *Engine) onExitSignal(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction,
	price float64, mode models.Mode, out outcome) {
	switch mode {
	case models.ModeSimulation:
		e.simulateExit(ctx, rt, symbol, d, price, out)
	case models.ModeTrading:
		e.liveExit(ctx, rt, symbol, d, price)
	default:
		e.log(LevelInfo, catCondition, "monitoring: exit %s %s at %.8g, no order", symbol, d, price)
	}
}
