package marketdata

import (
	"context"
	"time"

	"go.uber.org/fx"

	"futures_engine/internal/metrics"
	"futures_engine/internal/models"
	"futures_engine/internal/modules/config"
	health "futures_engine/internal/modules/health/service"
	"futures_engine/internal/modules/marketdata/service"
	"futures_engine/pkg/logger"
)

func NewOptions(cfg *config.Config) service.Options {
	opts := service.Options{
		CacheSize:     cfg.Engine.CacheSize,
		BackfillLimit: cfg.Engine.BackfillLimit,
		RestURL:       cfg.OKX.RestURL,
		Stream: service.StreamerConfig{
			URL: cfg.OKX.WSURL,
			Retry: service.RetryPolicy{
				MaxAttempts:   cfg.Stream.MaxReconnectAttempts,
				BaseDelay:     cfg.Stream.BaseDelay,
				MaxMultiplier: cfg.Stream.MaxDelayMultiplier,
			},
			PingInterval: cfg.Stream.PingInterval,
		},
	}

	if cfg.Redis.Enabled {
		rdb, err := service.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// без redis бэкфилл идёт из REST
			logger.Warn("[MARKET] redis %s unavailable: %v", cfg.Redis.Addr, err)
		} else {
			opts.Snapshots = service.NewSnapshots(rdb, cfg.Redis.SnapshotTTL)
		}
	}
	return opts
}

// Module кэш свечей OKX с WS-потоком.
func Module() fx.Option {
	return fx.Module("marketdata",
		fx.Provide(
			NewOptions,
			service.NewService,
		),
		fx.Invoke(func(lc fx.Lifecycle, s *service.Service, m *metrics.Metrics, st *health.State) {
			s.OnCandle = func(models.Candle) {
				m.CandlesTotal.Inc()
				st.TouchTick(time.Now())
			}
			s.Streamer().OnReconnect = func() {
				m.WSReconnects.Inc()
				st.IncReconnects()
			}
			s.Streamer().OnConnState = st.SetWSConnected
			s.OnStreamsLost = func(keys []string) { st.AddStreamsLost(len(keys)) }

			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return s.Close()
				},
			})
		}),
	)
}
