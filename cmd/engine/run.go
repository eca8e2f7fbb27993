package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"futures_engine/internal/metrics"
	"futures_engine/internal/models"
	"futures_engine/internal/modules/config"
	"futures_engine/internal/modules/engine"
	engineSvc "futures_engine/internal/modules/engine/service"
	"futures_engine/internal/modules/exchange"
	"futures_engine/internal/modules/health"
	healthSvc "futures_engine/internal/modules/health/service"
	"futures_engine/internal/modules/marketdata"
	"futures_engine/internal/modules/storage"
	telegram "futures_engine/internal/modules/telegram_bot"
	"futures_engine/internal/modules/tracing"
	"futures_engine/pkg/logger"
	pkgtracing "futures_engine/pkg/tracing"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer logger.Sync()
			pkgtracing.SetServiceName(serviceName)

			opts, err := startOptions(v)
			if err != nil {
				return err
			}

			app := fx.New(
				fx.NopLogger,
				fx.StartTimeout(2*time.Minute),
				config.Module(cfg),
				metrics.Module(),
				tracing.Module(),
				storage.Module(),
				exchange.Module(),
				marketdata.Module(),
				engine.Module(),
				telegram.Module(),
				health.Module(),
				fx.Invoke(func(lc fx.Lifecycle, e *engineSvc.Engine, st *healthSvc.State) {
					lc.Append(fx.Hook{
						OnStart: func(ctx context.Context) error {
							if err := e.Start(ctx, opts); err != nil {
								return err
							}
							st.SetReady(true)
							return nil
						},
					})
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}

			logger.Info("[MAIN] starting %s %s in %s mode", serviceName, Version, opts.Mode)
			app.Run()
			return nil
		},
	}
	cmd.Flags().String("mode", string(models.ModeMonitoring), "monitoring | simulation | trading")
	cmd.Flags().Float64("capital", 0, "simulation capital in USDT (0 resumes the last simulation)")
	cmd.Flags().Float64("duration", 0, "simulation duration in hours (0 = unlimited)")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func startOptions(v *viper.Viper) (engineSvc.StartOptions, error) {
	mode := models.Mode(strings.ToLower(v.GetString("mode")))
	if !mode.Running() {
		return engineSvc.StartOptions{}, fmt.Errorf("unknown mode %q", mode)
	}
	return engineSvc.StartOptions{
		Mode:              mode,
		SimulationCapital: v.GetFloat64("capital"),
		DurationHours:     v.GetFloat64("duration"),
	}, nil
}
