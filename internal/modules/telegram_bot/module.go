package telegram

import (
	"context"

	"go.uber.org/fx"

	"futures_engine/internal/modules/config"
	engine "futures_engine/internal/modules/engine/service"
	"futures_engine/internal/modules/telegram_bot/service"
)

func NewTelegram(cfg *config.Config) (*service.Telegram, error) {
	return service.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
}

func Module() fx.Option {
	return fx.Module("telegram",
		// 1. Бот как *service.Telegram
		fx.Provide(
			NewTelegram,
		),

		// 2. Адаптер: *service.Telegram -> engine.Notifier
		fx.Provide(
			func(t *service.Telegram) engine.Notifier {
				return t
			},
		),

		// 3. Команды из чата управляют движком, цикл апдейтов через Lifecycle
		fx.Invoke(
			func(lc fx.Lifecycle, t *service.Telegram, e *engine.Engine) {
				t.SetController(e)
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						t.Start(context.Background())
						return nil
					},
					OnStop: func(ctx context.Context) error {
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
