package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures_engine/internal/helper"
	"futures_engine/internal/models"
	"futures_engine/pkg/tracing"
)

// job одна пара (стратегия, символ) в тике.
type job struct {
	rt     *strategyRuntime
	symbol string
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.tick(ctx)
		}
	}
}

// tick один проход опроса.
func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := e.now()
	e.m.TicksTotal.Inc()

	if e.simulationExpired(now) {
		e.log(LevelInfo, catSimulation, "simulation duration elapsed")
		if err := e.stop(context.Background(), "simulation duration elapsed", false); err != nil {
			e.log(LevelWarning, catEngine, "stop: %v", err)
		}
		return
	}
	if !e.breakerAllows(now) {
		return
	}

	mode := e.Mode()
	if !mode.Running() {
		return
	}

	span, ctx := tracing.StartSpan(ctx, "engine.tick", map[string]any{"mode": string(mode)})
	defer span.Finish()

	if err := e.loadStrategies(ctx); err != nil {
		if e.recordFailure(nil, "", err) {
			e.fatal(err)
			return
		}
	} else {
		e.startStreams(ctx)
	}

	jobs := e.dueJobs(now)
	if len(jobs) > 0 {
		e.runJobs(ctx, jobs, mode)
		if e.fatalReached() {
			e.fatal(fmt.Errorf("%d consecutive failures", e.failures()))
			return
		}
	}

	e.mu.Lock()
	due := now.Sub(e.lastCheckpoint) >= e.cfg.CheckpointInterval
	e.mu.Unlock()
	if due {
		if err := e.checkpoint(ctx); err != nil && e.recordFailure(nil, "", err) {
			e.fatal(err)
		}
	}
}

// dueJobs пары, у которых началась новая свеча. Все стратегии на одной паре
// получают оценку в одном и том же бакете.
func (e *Engine) dueJobs(now time.Time) []job {
	e.mu.Lock()
	defer e.mu.Unlock()

	buckets := make(map[string]int64)
	var jobs []job
	for _, rt := range e.strategies {
		tf := timeframeOf(rt.strategy, e.cfg.DefaultTimeframe)
		for _, sym := range rt.strategy.Symbols {
			key := helper.CacheKey(sym, tf)
			bucket, seen := buckets[key]
			if !seen {
				bucket = helper.BucketStart(now, tf)
				if last, ok := e.lastBucket[key]; ok && bucket <= last {
					bucket = -1
				}
				buckets[key] = bucket
			}
			if bucket < 0 {
				continue
			}
			jobs = append(jobs, job{rt: rt, symbol: sym})
		}
	}
	for key, bucket := range buckets {
		if bucket >= 0 {
			e.lastBucket[key] = bucket
		}
	}
	return jobs
}

// runJobs семафор на cfg.Workers параллельных пар.
func (e *Engine) runJobs(ctx context.Context, jobs []job, mode models.Mode) int {
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0

	for _, j := range jobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			if err := e.evaluateSymbol(ctx, j.rt, j.symbol, mode); err != nil {
				e.recordFailure(j.rt, j.symbol, err)
				return
			}
			e.recordSuccess()
			mu.Lock()
			ok++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return ok
}

// breakerAllows false пока breaker открыт. По истечении cooldown breaker сбрасывается.
func (e *Engine) breakerAllows(now time.Time) bool {
	e.mu.Lock()
	if !e.state.CircuitBreakerOpen {
		e.mu.Unlock()
		return true
	}
	if now.Sub(e.state.LastBreakerReset) < e.cfg.BreakerCooldown {
		e.mu.Unlock()
		e.log(LevelDebug, catEngine, "circuit breaker is open, tick skipped")
		return false
	}
	e.state.CircuitBreakerOpen = false
	e.state.ConsecutiveFailures = 0
	e.state.LastBreakerReset = now
	e.syncGaugesLocked()
	e.mu.Unlock()

	e.log(LevelSuccess, catEngine, "circuit breaker reset")
	e.checkpointOrWarn(context.Background(), "breaker reset")
	return true
}

// recordFailure true, если достигнут фатальный порог.
func (e *Engine) recordFailure(rt *strategyRuntime, symbol string, err error) bool {
	now := e.now()

	e.mu.Lock()
	if rt != nil {
		rt.stats.Errors++
		rt.stats.LastError = err.Error()
		rt.stats.LastErrorAt = now
	}
	e.state.ConsecutiveFailures++
	n := e.state.ConsecutiveFailures
	tripped := false
	if n >= e.cfg.MaxConsecutiveFailures && !e.state.CircuitBreakerOpen {
		e.state.CircuitBreakerOpen = true
		e.state.LastBreakerReset = now
		tripped = true
	}
	fatal := n >= e.cfg.MaxConsecutiveFailures*e.cfg.FatalMultiplier
	e.syncGaugesLocked()
	e.mu.Unlock()

	if rt != nil {
		e.m.EvalErrorsTotal.Inc()
		e.logDetails(LevelError, catEngine, map[string]any{"strategyId": rt.strategy.ID, "symbol": symbol, "failures": n},
			"evaluate %s %s: %v", rt.strategy.ID, symbol, err)
	} else {
		e.logDetails(LevelError, catEngine, map[string]any{"failures": n}, "loop: %v", err)
	}

	if tripped {
		e.m.BreakerTrips.Inc()
		e.log(LevelError, catEngine, "circuit breaker opened after %d consecutive failures", n)
		e.notifier.Sendf(context.Background(), "🔴 Circuit breaker opened: %d consecutive failures, last: %v", n, err)
		e.checkpointOrWarn(context.Background(), "breaker trip")
	}
	return fatal
}

func (e *Engine) recordSuccess() {
	e.mu.Lock()
	e.state.ConsecutiveFailures = 0
	e.syncGaugesLocked()
	e.mu.Unlock()
}

func (e *Engine) failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ConsecutiveFailures
}

func (e *Engine) fatalReached() bool {
	return e.failures() >= e.cfg.MaxConsecutiveFailures*e.cfg.FatalMultiplier
}

// fatal остановка из цикла, без ожидания самого цикла.
func (e *Engine) fatal(err error) {
	e.log(LevelError, catEngine, "too many errors, stopping engine: %v", err)
	e.notifier.Sendf(context.Background(), "🛑 Engine stopped: too many errors (%v)", err)
	if err := e.stop(context.Background(), "too many errors", false); err != nil {
		e.log(LevelWarning, catEngine, "stop: %v", err)
	}
}
