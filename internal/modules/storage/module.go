package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"futures_engine/internal/modules/config"
	"futures_engine/internal/modules/storage/service"
)

// NewStore открывает хранилище по cfg.DB.Driver.
func NewStore(cfg *config.Config) (service.Store, error) {
	switch cfg.DB.Driver {
	case "postgres", "pg":
		if cfg.DB.DSN == "" {
			return nil, fmt.Errorf("storage: postgres driver without DATABASE_DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return service.OpenPostgres(ctx, cfg.DB.DSN)
	case "sqlite", "sqlite3", "":
		return service.OpenSQLite(cfg.DB.SQLitePath)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.DB.Driver)
	}
}

func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(NewStore),
		fx.Invoke(func(lc fx.Lifecycle, s service.Store) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return s.Close()
				},
			})
		}),
	)
}
