package service

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_engine/internal/models"
	"futures_engine/internal/strategy"
)

var ErrNotFound = errors.New("storage: not found")

// Store хранилище движка. Реализации: SQLite и Postgres.
type Store interface {
	LoadState(ctx context.Context, accountID string) (models.EngineState, error)
	SaveState(ctx context.Context, st models.EngineState) error

	ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error)
	UpsertStrategy(ctx context.Context, s strategy.Strategy) error

	OpenPositions(ctx context.Context) ([]models.Position, error)
	SavePosition(ctx context.Context, p models.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl float64, at time.Time) error

	SaveEvaluation(ctx context.Context, e models.ConditionEvaluation) error
	RecentEvaluations(ctx context.Context, limit int) ([]models.ConditionEvaluation, error)

	CreateSession(ctx context.Context, s models.SimulationSession) error
	UpdateSession(ctx context.Context, s models.SimulationSession) error
	CompleteSession(ctx context.Context, id string, at time.Time) error
	Session(ctx context.Context, id string) (models.SimulationSession, error)
	SaveSimulationTrade(ctx context.Context, t models.SimulationTrade) error
	SimulationTrades(ctx context.Context, sessionID string) ([]models.SimulationTrade, error)

	SaveTrade(ctx context.Context, t models.TradeRecord) error

	Close() error
}

func encodeJSON(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "storage encode")
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(sonic.Unmarshal(b, v), "storage decode")
}

// decodeStrategy разбирает сохранённую стратегию и применяет значения по умолчанию.
func decodeStrategy(b []byte) (strategy.Strategy, error) {
	var s strategy.Strategy
	if err := decodeJSON(b, &s); err != nil {
		return s, err
	}
	s.Normalize()
	return s, nil
}
