package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	storage "futures_engine/internal/modules/storage/service"
)

const (
	catEngine     = "engine"
	catCondition  = "condition"
	catSimulation = "simulation"
	catOrder      = "order"
	catMarket     = "market"
)

// Start запускает движок в заданном режиме. Повторный запуск даёт предупреждение без ошибки.
func (e *Engine) Start(ctx context.Context, opts StartOptions) error {
	if opts.Mode == "" || opts.Mode == models.ModeIdle {
		opts.Mode = models.ModeMonitoring
	}
	if !opts.Mode.Running() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}

	e.mu.Lock()
	if e.loopActiveLocked() {
		e.mu.Unlock()
		e.log(LevelWarning, catEngine, "engine is already running")
		return nil
	}
	e.starting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	st, err := e.store.LoadState(ctx, e.cfg.AccountID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("engine.Start: %w", err)
	}
	if st.VirtualPositions == nil {
		st.VirtualPositions = map[string]models.VirtualPosition{}
	}
	st.AccountID = e.cfg.AccountID
	if st.Running && st.StoppedAt == nil {
		// процесс упал без Stop и Shutdown: запись осталась running
		e.log(LevelWarning, catEngine, "previous run (%s) was not stopped cleanly", st.Mode)
	}

	now := e.now()
	if opts.Mode == models.ModeSimulation {
		resume := opts.SimulationCapital <= 0 && st.Running && st.Mode == models.ModeSimulation && st.Simulation != nil
		switch {
		case resume:
			e.log(LevelInfo, catSimulation, "resuming simulation session %s", st.Simulation.SessionID)
		case opts.SimulationCapital <= 0:
			return ErrInvalidCapital
		default:
			sim, err := e.createSession(ctx, opts.SimulationCapital, opts.DurationHours, now)
			if err != nil {
				return err
			}
			st.Simulation = sim
			st.VirtualPositions = map[string]models.VirtualPosition{}
		}
	} else {
		st.Simulation = nil
		st.VirtualPositions = map[string]models.VirtualPosition{}
	}

	st.Running = true
	st.Mode = opts.Mode
	st.CircuitBreakerOpen = false
	st.ConsecutiveFailures = 0
	st.LastBreakerReset = now
	st.StartedAt = &now
	st.StoppedAt = nil

	e.mu.Lock()
	e.state = st
	e.lastBucket = make(map[string]int64)
	e.instruments = make(map[string]models.Instrument)
	e.positions = make(map[string]models.Position)
	e.mu.Unlock()

	e.logDetails(LevelInfo, catEngine, map[string]any{"mode": opts.Mode, "capital": opts.SimulationCapital},
		"starting engine in %s mode", opts.Mode)
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if err := e.loadStrategies(ctx); err != nil {
		e.log(LevelError, catEngine, "load strategies: %v", err)
	}
	if opts.Mode == models.ModeTrading && !e.ex.HasCredentials() {
		e.log(LevelWarning, catEngine, "no exchange credentials, live orders will be skipped")
	}
	e.loadOpenPositions(ctx)
	e.startStreams(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel, e.done = cancel, done
	nStrategies := len(e.strategies)
	e.syncGaugesLocked()
	e.mu.Unlock()

	go e.loop(loopCtx, done)

	e.logDetails(LevelSuccess, catEngine, map[string]any{
		"mode":             opts.Mode,
		"activeStrategies": nStrategies,
		"pollInterval":     e.cfg.PollInterval.String(),
	}, "engine started (%s)", opts.Mode)
	e.notifier.Sendf(ctx, "▶️ Engine started: mode=%s strategies=%d", opts.Mode, nStrategies)
	return nil
}

func (e *Engine) createSession(ctx context.Context, capital, hours float64, now time.Time) (*models.SimulationState, error) {
	id := uuid.NewString()
	err := e.store.CreateSession(ctx, models.SimulationSession{
		ID:             id,
		AccountID:      e.cfg.AccountID,
		Name:           "Simulation " + now.UTC().Format("2006-01-02 15:04"),
		InitialCapital: capital,
		CurrentCapital: capital,
		DurationHours:  hours,
		Status:         models.SessionRunning,
		StartedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("engine.createSession: %w", err)
	}
	e.log(LevelInfo, catSimulation, "simulation session %s created, capital %.2f", id, capital)
	return &models.SimulationState{
		SessionID:      id,
		InitialCapital: capital,
		CurrentCapital: capital,
		StartTime:      now,
		DurationHours:  hours,
	}, nil
}

// Stop останавливает движок, закрывает сессию симуляции и потоки.
func (e *Engine) Stop(ctx context.Context) error {
	return e.stop(ctx, "manual", true)
}

// Shutdown останавливает цикл при завершении процесса. В БД состояние остаётся running
// с отметкой StoppedAt, следующий Start продолжит сессию симуляции.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.Running && !e.loopActiveLocked() {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	mode := e.state.Mode
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			e.log(LevelWarning, catEngine, "shutdown: loop did not finish: %v", ctx.Err())
		}
	}

	now := e.now()
	e.mu.Lock()
	e.state.StoppedAt = &now
	e.mu.Unlock()
	err := e.checkpoint(ctx)

	e.mu.Lock()
	e.state.Running = false
	e.state.Mode = models.ModeIdle
	e.syncGaugesLocked()
	e.mu.Unlock()

	e.md.StopAllStreams()
	e.md.Shutdown()
	e.worker.Cancel()

	e.log(LevelInfo, catEngine, "engine shut down, %s state kept for resume", mode)
	return err
}

// stop из цикла вызывается с wait=false, иначе цикл ждал бы сам себя.
func (e *Engine) stop(ctx context.Context, reason string, wait bool) error {
	e.mu.Lock()
	if !e.state.Running && !e.loopActiveLocked() {
		e.mu.Unlock()
		e.log(LevelWarning, catEngine, "engine is already stopped")
		return nil
	}
	var sim *models.SimulationState
	if e.state.Mode == models.ModeSimulation && e.state.Simulation != nil {
		cp := *e.state.Simulation
		sim = &cp
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		if wait {
			<-done
		}
	}

	now := e.now()
	if sim != nil {
		e.logDetails(LevelInfo, catSimulation, map[string]any{
			"initialCapital": sim.InitialCapital,
			"finalCapital":   sim.CurrentCapital,
			"totalPnl":       sim.TotalPnL,
			"roi":            sim.ROI(),
			"totalTrades":    sim.TotalTrades,
			"winRate":        sim.WinRate(),
			"winningTrades":  sim.WinningTrades,
			"losingTrades":   sim.LosingTrades,
		}, "simulation results: pnl %.2f, roi %.2f%%, trades %d", sim.TotalPnL, sim.ROI(), sim.TotalTrades)
		if err := e.store.UpdateSession(ctx, sessionRecord(e.cfg.AccountID, *sim, now)); err != nil {
			e.log(LevelError, catSimulation, "update session: %v", err)
		}
		if err := e.store.CompleteSession(ctx, sim.SessionID, now); err != nil {
			e.log(LevelError, catSimulation, "complete session: %v", err)
		}
	}

	e.mu.Lock()
	e.state.Running = false
	e.state.Mode = models.ModeIdle
	e.state.Simulation = nil
	e.state.VirtualPositions = map[string]models.VirtualPosition{}
	e.state.StoppedAt = &now
	e.syncGaugesLocked()
	e.mu.Unlock()

	err := e.checkpoint(ctx)

	e.md.StopAllStreams()
	e.md.Shutdown()
	e.worker.Cancel()

	e.log(LevelSuccess, catEngine, "engine stopped (%s)", reason)
	e.notifier.Sendf(ctx, "⏹ Engine stopped: %s", reason)
	return err
}

// EnableTrading переводит monitoring в trading без перезапуска.
func (e *Engine) EnableTrading(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.Running {
		e.mu.Unlock()
		e.log(LevelWarning, catEngine, "enable trading: engine is not running")
		return ErrNotRunning
	}
	switch e.state.Mode {
	case models.ModeTrading:
		e.mu.Unlock()
		e.log(LevelWarning, catEngine, "already in trading mode")
		return nil
	case models.ModeSimulation:
		e.mu.Unlock()
		return fmt.Errorf("%w: trading can be enabled only from monitoring", ErrInvalidMode)
	}
	e.state.Mode = models.ModeTrading
	e.mu.Unlock()

	if !e.ex.HasCredentials() {
		e.log(LevelWarning, catEngine, "no exchange credentials, live orders will be skipped")
	}
	e.log(LevelSuccess, catEngine, "trading mode enabled, orders will be placed")
	e.notifier.Sendf(ctx, "⚡️ Trading mode enabled")
	return e.checkpoint(ctx)
}

// checkpoint сохраняет снимок состояния.
func (e *Engine) checkpoint(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	st := snapshotState(e.state)
	e.mu.Unlock()

	err := e.store.SaveState(ctx, st)
	e.m.CheckpointDur.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("engine.checkpoint: %w", err)
	}

	e.mu.Lock()
	e.lastCheckpoint = e.now()
	e.mu.Unlock()
	return nil
}

// checkpointOrWarn для мест, где сбой записи не прерывает работу.
func (e *Engine) checkpointOrWarn(ctx context.Context, after string) {
	if err := e.checkpoint(ctx); err != nil {
		e.log(LevelWarning, catEngine, "checkpoint after %s: %v", after, err)
	}
}

// snapshotState глубокая копия для записи вне блокировки.
func snapshotState(st models.EngineState) models.EngineState {
	cp := st
	if st.Simulation != nil {
		sim := *st.Simulation
		cp.Simulation = &sim
	}
	cp.VirtualPositions = make(map[string]models.VirtualPosition, len(st.VirtualPositions))
	for k, v := range st.VirtualPositions {
		cp.VirtualPositions[k] = v
	}
	return cp
}

func (e *Engine) loadStrategies(ctx context.Context) error {
	list, err := e.store.ActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("engine.loadStrategies: %w", err)
	}

	e.mu.Lock()
	prev := make(map[string]*strategyRuntime, len(e.strategies))
	for _, rt := range e.strategies {
		prev[rt.strategy.ID] = rt
	}
	runtimes := make([]*strategyRuntime, 0, len(list))
	var empty []string
	for _, s := range list {
		s.Normalize()
		if len(s.Symbols) == 0 {
			empty = append(empty, s.ID)
			continue
		}
		rt := &strategyRuntime{strategy: s}
		if old, ok := prev[s.ID]; ok {
			rt.stats = old.stats
		}
		runtimes = append(runtimes, rt)
	}
	changed := len(runtimes) != len(e.strategies)
	e.strategies = runtimes
	e.mu.Unlock()

	if !changed {
		return nil
	}
	for _, id := range empty {
		e.log(LevelWarning, catEngine, "strategy %s has no symbols", id)
	}
	e.log(LevelInfo, catEngine, "loaded %d active strategies", len(runtimes))
	return nil
}

// loadOpenPositions живые позиции из БД. Позиции биржи без записи в БД добавляются без стратегии.
func (e *Engine) loadOpenPositions(ctx context.Context) {
	tracked, err := e.store.OpenPositions(ctx)
	if err != nil {
		e.log(LevelError, catEngine, "load open positions: %v", err)
	}

	positions := make(map[string]models.Position, len(tracked))
	for _, p := range tracked {
		positions[positionKey(p.Symbol, p.Direction)] = p
	}

	if e.ex.HasCredentials() {
		live, err := e.ex.OpenPositions(ctx)
		if err != nil {
			e.log(LevelWarning, catEngine, "exchange positions: %v", err)
		}
		for _, p := range live {
			key := positionKey(p.Symbol, p.Direction)
			if _, ok := positions[key]; ok {
				continue
			}
			e.log(LevelWarning, catEngine, "untracked exchange position %s", key)
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			positions[key] = p
		}
	}

	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()
	e.log(LevelInfo, catEngine, "open positions: %d", len(positions))
}

// startStreams один поток на каждую пару (символ, таймфрейм).
func (e *Engine) startStreams(ctx context.Context) {
	for _, p := range e.pairs() {
		if err := e.md.StartStream(ctx, p.symbol, p.interval, true); err != nil {
			e.log(LevelWarning, catMarket, "stream %s %s: %v", p.symbol, p.interval, err)
		}
	}
}

type pair struct {
	symbol   string
	interval string
}

func (p pair) key() string { return helper.CacheKey(p.symbol, p.interval) }

func (e *Engine) pairs() []pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{})
	var out []pair
	for _, rt := range e.strategies {
		tf := timeframeOf(rt.strategy, e.cfg.DefaultTimeframe)
		for _, sym := range rt.strategy.Symbols {
			p := pair{symbol: sym, interval: tf}
			if _, ok := seen[p.key()]; ok {
				continue
			}
			seen[p.key()] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// sessionRecord агрегаты сессии для записи в БД.
func sessionRecord(accountID string, sim models.SimulationState, now time.Time) models.SimulationSession {
	roi := sim.ROI()
	days := now.Sub(sim.StartTime).Hours() / 24
	var daily float64
	if days > 0 {
		daily = roi / days
	}
	return models.SimulationSession{
		ID:             sim.SessionID,
		AccountID:      accountID,
		InitialCapital: sim.InitialCapital,
		CurrentCapital: sim.CurrentCapital,
		TotalPnL:       sim.TotalPnL,
		TotalTrades:    sim.TotalTrades,
		WinningTrades:  sim.WinningTrades,
		LosingTrades:   sim.LosingTrades,
		WinRate:        sim.WinRate(),
		ROI:            roi,
		DailyAvgROI:    daily,
		DurationHours:  sim.DurationHours,
		Status:         models.SessionRunning,
		StartedAt:      sim.StartTime,
	}
}

func (e *Engine) syncGaugesLocked() {
	open := 0.0
	if e.state.CircuitBreakerOpen {
		open = 1
	}
	e.m.BreakerOpen.Set(open)
	e.m.ConsecutiveFailures.Set(float64(e.state.ConsecutiveFailures))
	e.m.OpenVirtualPositions.Set(float64(len(e.state.VirtualPositions)))
	if e.state.Simulation != nil {
		e.m.VirtualCapital.Set(e.state.Simulation.CurrentCapital)
	} else {
		e.m.VirtualCapital.Set(0)
	}
}
