package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"futures_engine/internal/models"
	exchange "futures_engine/internal/modules/exchange/service"
	"futures_engine/internal/planner"
	"futures_engine/internal/strategy"
)

const modeTradingLabel = string(models.ModeTrading)

func entrySide(d models.Direction) string {
	if d == models.Short {
		return "sell"
	}
	return "buy"
}

func exitSide(d models.Direction) string {
	if d == models.Short {
		return "buy"
	}
	return "sell"
}

func posSideFor(s strategy.Strategy, d models.Direction) string {
	if s.Hedge() {
		return string(d)
	}
	return "net"
}

// liveEntry рыночный вход, запись позиции и стоп-лосс из действий дерева.
// Сбои ордеров только логируются: breaker их не считает, повторов внутри тика нет.
func (e *Engine) liveEntry(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction, price float64, out outcome) {
	s := rt.strategy
	key := positionKey(symbol, d)
	if !e.ex.HasCredentials() {
		e.log(LevelWarning, catOrder, "entry %s skipped: no exchange credentials", key)
		return
	}
	if !e.reserveEntry(key) {
		e.log(LevelDebug, catOrder, "entry %s skipped: position open or entry in flight", key)
		return
	}
	defer e.releaseEntry(key)

	inst, err := e.instrument(ctx, symbol)
	if err != nil {
		e.log(LevelError, catOrder, "entry %s: instrument: %v", key, err)
		return
	}
	c := exchange.Constraints(inst)

	margin := strategy.InitialMargin{Mode: strategy.MarginUSDTAmount, Value: 100}
	if s.InitialMargin != nil {
		margin = *s.InitialMargin
	}
	var wallet float64
	if margin.Mode == strategy.MarginPerSymbolPercentage || margin.Mode == strategy.MarginAllSymbolsPercentage {
		bal, err := e.ex.Balance(ctx, quoteAsset)
		if err != nil {
			e.log(LevelError, catOrder, "entry %s: balance: %v", key, err)
			return
		}
		wallet = bal.Available
	}

	lev := leverageFor(s, symbol)
	qty, err := planner.EntryQuantity(planner.EntryRequest{
		Margin:        margin,
		Leverage:      lev,
		Price:         price,
		SymbolCount:   len(s.Symbols),
		WalletBalance: wallet,
	}, c)
	if err != nil {
		e.log(LevelError, catOrder, "entry %s: size: %v", key, err)
		return
	}

	posSide := posSideFor(s, d)
	if err := e.ex.SetLeverage(ctx, symbol, lev, e.cfg.MarginMode, posSide); err != nil {
		e.log(LevelWarning, catOrder, "set leverage %s x%.0f: %v", symbol, lev, err)
	}

	res, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:     symbol,
		Side:       entrySide(d),
		PosSide:    posSide,
		Type:       models.TypeMarket,
		Quantity:   qty,
		MarginMode: e.cfg.MarginMode,
	})
	if err != nil || !res.OK {
		e.logDetails(LevelError, catOrder, map[string]any{"symbol": symbol, "direction": d, "quantity": qty, "reason": res.Reason},
			"entry order %s failed: %s", key, reasonOf(res, err))
		e.notifier.Sendf(ctx, "❌ Entry %s %s failed: %s", strings.ToUpper(string(d)), symbol, reasonOf(res, err))
		return
	}

	now := e.now()
	p := models.Position{
		ID:            uuid.NewString(),
		StrategyID:    s.ID,
		Symbol:        symbol,
		Direction:     d,
		EntryPrice:    price,
		EntryTime:     now,
		Quantity:      qty,
		ContractValue: c.ContractValue,
		Leverage:      lev,
		Status:        models.PositionOpen,
	}
	e.mu.Lock()
	e.positions[key] = p
	e.mu.Unlock()

	if err := e.store.SavePosition(ctx, p); err != nil {
		e.log(LevelError, catOrder, "save position %s: %v", key, err)
	}
	e.saveTrade(ctx, models.TradeRecord{
		ID:         uuid.NewString(),
		StrategyID: s.ID,
		Symbol:     symbol,
		Direction:  d,
		Action:     models.TradeEntry,
		Quantity:   qty,
		Price:      price,
		OrderID:    res.OrderID,
		ExecutedAt: now,
	})

	e.m.OrdersTotal.WithLabelValues(modeTradingLabel, "entry_"+string(d)).Inc()
	e.logDetails(LevelSuccess, catOrder, map[string]any{
		"symbol": symbol, "direction": d, "price": price, "quantity": qty, "leverage": lev, "orderId": res.OrderID,
	}, "%s %s opened at %.8g qty %.8g", strings.ToUpper(string(d)), symbol, price, qty)
	e.notifier.Sendf(ctx, "✅ %s %s opened at %.8g, qty %.8g x%.0f (%s)",
		strings.ToUpper(string(d)), symbol, price, qty, lev, s.Name)

	e.submitPlanned(ctx, symbol, d, posSide, qty, out.orders)
}

// reserveEntry занимает ключ позиции до конца входа. false, если позиция уже есть
// или другой вход по этому ключу ещё идёт.
func (e *Engine) reserveEntry(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[key]; ok {
		return false
	}
	if _, ok := e.entering[key]; ok {
		return false
	}
	e.entering[key] = struct{}{}
	return true
}

func (e *Engine) releaseEntry(key string) {
	e.mu.Lock()
	delete(e.entering, key)
	e.mu.Unlock()
}

// submitPlanned на входе уходит только STOPLOSS: reduce-only стоп на весь объём позиции.
// BUY/SELL остаются в аудите оценки, размер входа задаёт initialMargin.
func (e *Engine) submitPlanned(ctx context.Context, symbol string, d models.Direction, posSide string, entryQty float64, orders []models.PlannedOrder) {
	for _, o := range orders {
		if o.Side != models.SideStoploss {
			e.log(LevelDebug, catOrder, "planned %s %s %s not sent on entry", o.Side, o.Type, symbol)
			continue
		}
		if o.StopPrice == nil {
			e.log(LevelWarning, catOrder, "stoploss %s skipped: %s", o.ID, o.Reason)
			continue
		}

		res, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
			Symbol:     symbol,
			Side:       exitSide(d),
			PosSide:    posSide,
			Type:       models.TypeStopMarket,
			StopPrice:  *o.StopPrice,
			Quantity:   entryQty,
			ReduceOnly: true,
			MarginMode: e.cfg.MarginMode,
		})
		if err != nil || !res.OK {
			e.log(LevelError, catOrder, "stoploss %s at %.8g failed: %s", symbol, *o.StopPrice, reasonOf(res, err))
			continue
		}
		e.m.OrdersTotal.WithLabelValues(modeTradingLabel, "stoploss").Inc()
		e.log(LevelSuccess, catOrder, "stoploss %s at %.8g placed, id %s", symbol, *o.StopPrice, res.OrderID)
	}
}

// liveExit закрывает позицию целиком reduce-only рыночным ордером.
func (e *Engine) liveExit(ctx context.Context, rt *strategyRuntime, symbol string, d models.Direction, price float64) {
	key := positionKey(symbol, d)
	if !e.ex.HasCredentials() {
		e.log(LevelWarning, catOrder, "exit %s skipped: no exchange credentials", key)
		return
	}
	e.mu.Lock()
	p, ok := e.positions[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	res, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:     symbol,
		Side:       exitSide(d),
		PosSide:    posSideFor(rt.strategy, d),
		Type:       models.TypeMarket,
		Quantity:   p.Quantity,
		ReduceOnly: true,
		MarginMode: e.cfg.MarginMode,
	})
	if err != nil || !res.OK {
		e.log(LevelError, catOrder, "exit order %s failed: %s", key, reasonOf(res, err))
		e.notifier.Sendf(ctx, "❌ Exit %s %s failed: %s", strings.ToUpper(string(d)), symbol, reasonOf(res, err))
		return
	}

	now := e.now()
	pnl := held{direction: d, entryPrice: p.EntryPrice, quantity: p.Quantity, ctVal: p.ContractValue}.pnl(price)
	e.mu.Lock()
	delete(e.positions, key)
	e.mu.Unlock()

	if err := e.store.ClosePosition(ctx, p.ID, price, pnl, now); err != nil {
		e.log(LevelError, catOrder, "close position %s: %v", key, err)
	}
	e.saveTrade(ctx, models.TradeRecord{
		ID:         uuid.NewString(),
		StrategyID: rt.strategy.ID,
		Symbol:     symbol,
		Direction:  d,
		Action:     models.TradeExit,
		Quantity:   p.Quantity,
		Price:      price,
		OrderID:    res.OrderID,
		PnL:        pnl,
		ExecutedAt: now,
	})

	e.m.OrdersTotal.WithLabelValues(modeTradingLabel, "exit_"+string(d)).Inc()
	e.logDetails(LevelSuccess, catOrder, map[string]any{
		"symbol": symbol, "direction": d, "entryPrice": p.EntryPrice, "exitPrice": price, "pnl": pnl, "orderId": res.OrderID,
	}, "%s %s closed at %.8g, pnl %.4f", strings.ToUpper(string(d)), symbol, price, pnl)
	e.notifier.Sendf(ctx, "🏁 %s %s closed at %.8g, PnL %.4f", strings.ToUpper(string(d)), symbol, price, pnl)
}

func (e *Engine) saveTrade(ctx context.Context, t models.TradeRecord) {
	if err := e.store.SaveTrade(ctx, t); err != nil {
		e.log(LevelError, catOrder, "save trade %s %s: %v", t.Symbol, t.Action, err)
	}
}

func reasonOf(res models.OrderResult, err error) string {
	if res.Reason != "" {
		return res.Reason
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}
