// Package service исполняющий движок: опрос стратегий, оценка деревьев условий,
// симуляция и живые ордера.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"futures_engine/internal/condition"
	"futures_engine/internal/helper"
	"futures_engine/internal/indicator"
	"futures_engine/internal/metrics"
	"futures_engine/internal/models"
	exchange "futures_engine/internal/modules/exchange/service"
	"futures_engine/internal/strategy"
)

var (
	ErrNotRunning     = errors.New("engine: not running")
	ErrInvalidCapital = errors.New("engine: simulation requires initial capital > 0")
	ErrInvalidMode    = errors.New("engine: invalid mode")
)

// MarketData кэш свечей с потоками.
type MarketData interface {
	StartStream(ctx context.Context, symbol, interval string, backfill bool) error
	StopAllStreams()
	Shutdown()
	Klines(symbol, interval string, limit int) []models.Candle
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	CurrentPrice(symbol, interval string) (float64, bool)
}

// Exchange операции биржи, которые нужны движку.
type Exchange interface {
	HasCredentials() bool
	Instrument(ctx context.Context, symbol string) (models.Instrument, error)
	Balance(ctx context.Context, ccy string) (exchange.Balance, error)
	SetLeverage(ctx context.Context, symbol string, lever float64, marginMode, posSide string) error
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)
}

// Store хранилище состояния, стратегий, позиций и аудита.
type Store interface {
	LoadState(ctx context.Context, accountID string) (models.EngineState, error)
	SaveState(ctx context.Context, st models.EngineState) error
	ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)
	SavePosition(ctx context.Context, p models.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl float64, at time.Time) error
	SaveEvaluation(ctx context.Context, e models.ConditionEvaluation) error
	CreateSession(ctx context.Context, s models.SimulationSession) error
	UpdateSession(ctx context.Context, s models.SimulationSession) error
	CompleteSession(ctx context.Context, id string, at time.Time) error
	SaveSimulationTrade(ctx context.Context, t models.SimulationTrade) error
	SaveTrade(ctx context.Context, t models.TradeRecord) error
}

// Notifier уведомления оператору.
type Notifier interface {
	Sendf(ctx context.Context, format string, args ...any)
}

type nopNotifier struct{}

func (nopNotifier) Sendf(context.Context, string, ...any) {}

type Config struct {
	AccountID              string
	PollInterval           time.Duration
	CheckpointInterval     time.Duration
	MaxConsecutiveFailures int
	BreakerCooldown        time.Duration
	FatalMultiplier        int
	VirtualPositionFrac    float64
	KlineFallbackLimit     int
	MinNotionalFallback    bool
	OffloadEvaluation      bool
	Workers                int
	DefaultTimeframe       string
	LogRingSize            int
	MarginMode             string
}

func DefaultConfig() Config {
	return Config{
		AccountID:              "default",
		PollInterval:           5 * time.Second,
		CheckpointInterval:     30 * time.Second,
		MaxConsecutiveFailures: 5,
		BreakerCooldown:        60 * time.Second,
		FatalMultiplier:        2,
		VirtualPositionFrac:    0.01,
		KlineFallbackLimit:     100,
		MinNotionalFallback:    true,
		Workers:                1,
		DefaultTimeframe:       strategy.DefaultTimeframe,
		LogRingSize:            500,
		MarginMode:             "cross",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AccountID == "" {
		c.AccountID = d.AccountID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.FatalMultiplier <= 1 {
		c.FatalMultiplier = d.FatalMultiplier
	}
	if c.VirtualPositionFrac <= 0 {
		c.VirtualPositionFrac = d.VirtualPositionFrac
	}
	if c.KlineFallbackLimit <= 0 {
		c.KlineFallbackLimit = d.KlineFallbackLimit
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DefaultTimeframe == "" {
		c.DefaultTimeframe = d.DefaultTimeframe
	}
	if c.LogRingSize <= 0 {
		c.LogRingSize = d.LogRingSize
	}
	if c.MarginMode == "" {
		c.MarginMode = d.MarginMode
	}
	return c
}

type Deps struct {
	Market   MarketData
	Exchange Exchange
	Store    Store
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// StartOptions параметры запуска.
type StartOptions struct {
	Mode              models.Mode
	SimulationCapital float64
	DurationHours     float64
}

// strategyRuntime стратегия и её счётчики.
type strategyRuntime struct {
	strategy strategy.Strategy
	stats    strategy.Runtime
}

// Engine единственный владелец изменяемого состояния. Все поля под mu.
type Engine struct {
	cfg      Config
	md       MarketData
	ex       Exchange
	store    Store
	notifier Notifier
	m        *metrics.Metrics

	calc   *indicator.Calculator
	worker *condition.Worker
	logs   *LogRing
	now    func() time.Time

	mu             sync.Mutex
	state          models.EngineState
	strategies     []*strategyRuntime
	positions      map[string]models.Position // symbol_direction
	entering       map[string]struct{}        // входы, ждущие ответа биржи
	instruments    map[string]models.Instrument
	lastBucket     map[string]int64 // symbol_interval -> начало свечи
	lastCheckpoint time.Time

	starting bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	n := deps.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Engine{
		cfg:         cfg,
		md:          deps.Market,
		ex:          deps.Exchange,
		store:       deps.Store,
		notifier:    n,
		m:           m,
		calc:        indicator.NewCalculator(),
		worker:      condition.NewWorker(),
		logs:        NewLogRing(cfg.LogRingSize),
		now:         time.Now,
		state:       models.IdleState(cfg.AccountID),
		positions:   make(map[string]models.Position),
		entering:    make(map[string]struct{}),
		instruments: make(map[string]models.Instrument),
		lastBucket:  make(map[string]int64),
	}
}

// Logs кольцо журнала движка.
func (e *Engine) Logs() *LogRing { return e.logs }

// Mode текущий режим.
func (e *Engine) Mode() models.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Mode
}

func (e *Engine) loopActiveLocked() bool { return e.cancel != nil || e.starting }

func positionKey(symbol string, d models.Direction) string {
	return helper.PositionKey(symbol, string(d))
}

func timeframeOf(s strategy.Strategy, def string) string {
	if s.Timeframe != "" {
		return s.Timeframe
	}
	return def
}
