package tracing

import (
	"context"
	"strconv"

	"go.uber.org/fx"

	"futures_engine/internal/modules/config"
	"futures_engine/pkg/logger"
	"futures_engine/pkg/tracing"
)

// NewConfig порт из yaml строкой, пустой или битый даёт стандартный 6831.
func NewConfig(cfg *config.Config) tracing.Config {
	port, err := strconv.Atoi(cfg.Tracing.Port)
	if err != nil || port <= 0 {
		port = 6831
	}
	host := cfg.Tracing.Host
	if host == "" {
		host = "localhost"
	}
	return tracing.Config{Host: host, Port: port}
}

// Module jaeger-трейсер. Выключен, пока tracing.enabled=false: спаны уходят в noop.
func Module() fx.Option {
	return fx.Module("tracing",
		fx.Provide(NewConfig),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, tc tracing.Config) error {
			if !cfg.Tracing.Enabled {
				return nil
			}
			_, closer, err := tracing.InitTracer(tc)
			if err != nil {
				return err
			}
			logger.Info("[TRACING] jaeger agent %s:%d", tc.Host, tc.Port)
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					closer()
					return nil
				},
			})
			return nil
		}),
	)
}
