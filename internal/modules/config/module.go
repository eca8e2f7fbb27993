package config

import "go.uber.org/fx"

// Module регистрирует конфиг как fx-провайдер. Без файла читается CONFIG_DIR/CONFIG_FILE.
func Module(cfg *Config) fx.Option {
	if cfg == nil {
		return fx.Module("config", fx.Provide(NewConfig))
	}
	return fx.Module("config", fx.Supply(cfg))
}
