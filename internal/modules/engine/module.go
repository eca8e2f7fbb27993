package engine

import (
	"context"

	"go.uber.org/fx"

	"futures_engine/internal/metrics"
	"futures_engine/internal/modules/config"
	"futures_engine/internal/modules/engine/service"
	exchange "futures_engine/internal/modules/exchange/service"
	marketdata "futures_engine/internal/modules/marketdata/service"
	storage "futures_engine/internal/modules/storage/service"
)

func NewConfig(cfg *config.Config) service.Config {
	ec := cfg.Engine
	return service.Config{
		AccountID:              ec.AccountID,
		PollInterval:           ec.PollInterval,
		CheckpointInterval:     ec.CheckpointInterval,
		MaxConsecutiveFailures: ec.MaxConsecutiveFailures,
		BreakerCooldown:        ec.BreakerCooldown,
		FatalMultiplier:        ec.FatalMultiplier,
		VirtualPositionFrac:    ec.VirtualPositionFrac,
		KlineFallbackLimit:     ec.KlineFallbackLimit,
		MinNotionalFallback:    ec.MinNotionalFallback,
		OffloadEvaluation:      ec.OffloadEvaluation,
		Workers:                ec.Workers,
		DefaultTimeframe:       ec.DefaultTimeframe,
		LogRingSize:            ec.LogRingSize,
	}
}

type Params struct {
	fx.In

	Config   service.Config
	Market   *marketdata.Service
	Exchange *exchange.Client
	Store    storage.Store
	Notifier service.Notifier `optional:"true"`
	Metrics  *metrics.Metrics
}

func NewEngine(p Params) *service.Engine {
	return service.New(p.Config, service.Deps{
		Market:   p.Market,
		Exchange: p.Exchange,
		Store:    p.Store,
		Notifier: p.Notifier,
		Metrics:  p.Metrics,
	})
}

// Module исполняющий движок. Запуск в нужном режиме делает cmd. На OnStop цикл
// гасится через Shutdown, сохранённое состояние остаётся для продолжения.
func Module() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			NewConfig,
			NewEngine,
		),
		fx.Invoke(func(lc fx.Lifecycle, e *service.Engine) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return e.Shutdown(ctx)
				},
			})
		}),
	)
}
