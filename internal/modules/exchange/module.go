package exchange

import (
	"go.uber.org/fx"

	"futures_engine/internal/modules/config"
	"futures_engine/internal/modules/exchange/service"
)

func NewClient(cfg *config.Config) *service.Client {
	c := service.NewClient(cfg.OKX.RestURL, service.Credentials{
		APIKey:     cfg.OKX.APIKey,
		APISecret:  cfg.OKX.APISecret,
		Passphrase: cfg.OKX.Passphrase,
	}, cfg.OKX.Simulated, nil)
	if cfg.OKX.MinNotional > 0 {
		c.MinNotional = cfg.OKX.MinNotional
	}
	return c
}

// Module REST-клиент OKX для ордеров и метаданных.
func Module() fx.Option {
	return fx.Module("exchange",
		fx.Provide(NewClient),
	)
}
