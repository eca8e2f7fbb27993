package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"futures_engine/internal/models"
	"futures_engine/internal/strategy"
	"futures_engine/pkg/db"
	"futures_engine/pkg/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	account_id TEXT PRIMARY KEY,
	running    BOOLEAN NOT NULL,
	mode       TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS strategies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	strategy_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	entry_price    DOUBLE PRECISION NOT NULL,
	entry_time     TIMESTAMPTZ NOT NULL,
	quantity       DOUBLE PRECISION NOT NULL,
	contract_value DOUBLE PRECISION NOT NULL DEFAULT 1,
	leverage       DOUBLE PRECISION NOT NULL,
	unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	realized_pnl   DOUBLE PRECISION NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	exit_price     DOUBLE PRECISION,
	exit_time      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS condition_evaluations (
	id                TEXT PRIMARY KEY,
	strategy_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	condition_type    TEXT NOT NULL,
	evaluation_result BOOLEAN NOT NULL,
	details           JSONB NOT NULL,
	evaluated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_at ON condition_evaluations(evaluated_at DESC);

CREATE TABLE IF NOT EXISTS simulation_sessions (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	initial_capital DOUBLE PRECISION NOT NULL,
	current_capital DOUBLE PRECISION NOT NULL,
	total_pnl       DOUBLE PRECISION NOT NULL,
	total_trades    INTEGER NOT NULL,
	winning_trades  INTEGER NOT NULL,
	losing_trades   INTEGER NOT NULL,
	win_rate        DOUBLE PRECISION NOT NULL,
	roi             DOUBLE PRECISION NOT NULL,
	daily_avg_roi   DOUBLE PRECISION NOT NULL,
	duration_hours  DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS simulation_trades (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL REFERENCES simulation_sessions(id) ON DELETE CASCADE,
	strategy_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	action         TEXT NOT NULL,
	quantity       DOUBLE PRECISION NOT NULL,
	price          DOUBLE PRECISION NOT NULL,
	pnl            DOUBLE PRECISION,
	pnl_percentage DOUBLE PRECISION,
	indicators     JSONB NOT NULL,
	executed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sim_trades_session ON simulation_trades(session_id);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	action      TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	order_id    TEXT NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL
);
`

// Postgres хранилище поверх пула pgx.
type Postgres struct {
	db db.TxManager
	// закрывает пул, nil если пулом владеет вызывающий
	closer func()
}

func NewPostgres(tm db.TxManager, closer func()) *Postgres {
	return &Postgres{db: tm, closer: closer}
}

// OpenPostgres создаёт пул, проверяет соединение и накатывает схему.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to create poolMaster: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	tm := db.NewPgTxManager(pool)
	p := NewPostgres(tm, tm.Close)
	if err = p.Migrate(ctx); err != nil {
		tm.Close()
		return nil, err
	}
	logger.Info("[STORE] postgres connected")
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctxTx, postgresSchema); err != nil {
			return fmt.Errorf("pg.Migrate: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Close() error {
	if p.closer != nil {
		p.closer()
	}
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, accountID string) (st models.EngineState, err error) {
	defer func() {
		if err != nil && !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("pg.LoadState: %w", err)
		}
	}()

	var data []byte
	err = p.db.Conn().QueryRow(ctx, `SELECT data FROM engine_state WHERE account_id = $1`, accountID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdleState(accountID), ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if err = decodeJSON(data, &st); err != nil {
		return st, err
	}
	if st.VirtualPositions == nil {
		st.VirtualPositions = map[string]models.VirtualPosition{}
	}
	return st, nil
}

func (p *Postgres) SaveState(ctx context.Context, st models.EngineState) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveState: %w", err)
		}
	}()

	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	_, err = p.db.Conn().Exec(ctx, `
		INSERT INTO engine_state (account_id, running, mode, data, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id) DO UPDATE SET
			running = EXCLUDED.running, mode = EXCLUDED.mode,
			data = EXCLUDED.data, updated_at = now()`,
		st.AccountID, st.Running, string(st.Mode), data)
	return err
}

func (p *Postgres) ActiveStrategies(ctx context.Context) (out []strategy.Strategy, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ActiveStrategies: %w", err)
		}
	}()

	rows, err := p.db.Conn().Query(ctx, `SELECT data FROM strategies WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err = rows.Scan(&data); err != nil {
			return nil, err
		}
		s, derr := decodeStrategy(data)
		if derr != nil {
			logger.Warn("[STORE] skip strategy: %v", derr)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertStrategy(ctx context.Context, s strategy.Strategy) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertStrategy: %w", err)
		}
	}()

	data, err := encodeJSON(s)
	if err != nil {
		return err
	}
	_, err = p.db.Conn().Exec(ctx, `
		INSERT INTO strategies (id, name, user_id, active, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, user_id = EXCLUDED.user_id, active = EXCLUDED.active,
			data = EXCLUDED.data, updated_at = now()`,
		s.ID, s.Name, s.UserID, s.Active, data)
	return err
}

func (p *Postgres) OpenPositions(ctx context.Context) (out []models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.OpenPositions: %w", err)
		}
	}()

	rows, err := p.db.Conn().Query(ctx, `
		SELECT id, strategy_id, symbol, direction, entry_price, entry_time, quantity,
		       contract_value, leverage, unrealized_pnl, realized_pnl, status
		FROM positions WHERE status = $1 ORDER BY entry_time`, string(models.PositionOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var pos models.Position
		var dir, status string
		if err = rows.Scan(&pos.ID, &pos.StrategyID, &pos.Symbol, &dir, &pos.EntryPrice, &pos.EntryTime, &pos.Quantity,
			&pos.ContractValue, &pos.Leverage, &pos.UnrealizedPnl, &pos.RealizedPnl, &status); err != nil {
			return nil, err
		}
		pos.Direction = models.Direction(dir)
		pos.Status = models.PositionStatus(status)
		pos.EntryTime = pos.EntryTime.UTC()
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (p *Postgres) SavePosition(ctx context.Context, pos models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SavePosition: %w", err)
		}
	}()

	if pos.Status == "" {
		pos.Status = models.PositionOpen
	}
	var exitPrice *float64
	if pos.ExitPrice > 0 {
		exitPrice = &pos.ExitPrice
	}
	_, err = p.db.Conn().Exec(ctx, `
		INSERT INTO positions (id, strategy_id, symbol, direction, entry_price, entry_time, quantity,
			contract_value, leverage, unrealized_pnl, realized_pnl, status, exit_price, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity, unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl, status = EXCLUDED.status,
			exit_price = EXCLUDED.exit_price, exit_time = EXCLUDED.exit_time`,
		pos.ID, pos.StrategyID, pos.Symbol, string(pos.Direction), pos.EntryPrice, pos.EntryTime, pos.Quantity,
		pos.ContractValue, pos.Leverage, pos.UnrealizedPnl, pos.RealizedPnl, string(pos.Status),
		exitPrice, pos.ExitTime)
	return err
}

func (p *Postgres) ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl float64, at time.Time) error {
	tag, err := p.db.Conn().Exec(ctx, `
		UPDATE positions SET status = $1, exit_price = $2, exit_time = $3, realized_pnl = $4, unrealized_pnl = 0
		WHERE id = $5`,
		string(models.PositionClosed), exitPrice, at, realizedPnl, id)
	if err != nil {
		return fmt.Errorf("pg.ClosePosition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pg.ClosePosition %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) SaveEvaluation(ctx context.Context, e models.ConditionEvaluation) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveEvaluation: %w", err)
		}
	}()

	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = p.db.Conn().Exec(ctx, `
		INSERT INTO condition_evaluations (id, strategy_id, symbol, condition_type, evaluation_result, details, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.StrategyID, e.Symbol, string(e.ConditionType), e.EvaluationResult, details, e.EvaluatedAt)
	return err
}

func (p *Postgres) RecentEvaluations(ctx context.Context, limit int) (out []models.ConditionEvaluation, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.RecentEvaluations: %w", err)
		}
	}()

	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Conn().Query(ctx, `
		SELECT id, strategy_id, symbol, condition_type, evaluation_result, details, evaluated_at
		FROM condition_evaluations ORDER BY evaluated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e models.ConditionEvaluation
		var ct string
		var details []byte
		if err = rows.Scan(&e.ID, &e.StrategyID, &e.Symbol, &ct, &e.EvaluationResult, &details, &e.EvaluatedAt); err != nil {
			return nil, err
		}
		e.ConditionType = models.ConditionType(ct)
		e.EvaluatedAt = e.EvaluatedAt.UTC()
		if err = decodeJSON(details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, s models.SimulationSession) error {
	if s.Status == "" {
		s.Status = models.SessionRunning
	}
	_, err := p.db.Conn().Exec(ctx, `
		INSERT INTO simulation_sessions (id, account_id, name, initial_capital, current_capital, total_pnl,
			total_trades, winning_trades, losing_trades, win_rate, roi, daily_avg_roi, duration_hours,
			status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.AccountID, s.Name, s.InitialCapital, s.CurrentCapital, s.TotalPnL,
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.WinRate, s.ROI, s.DailyAvgROI, s.DurationHours,
		string(s.Status), s.StartedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("pg.CreateSession: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s models.SimulationSession) error {
	_, err := p.db.Conn().Exec(ctx, `
		UPDATE simulation_sessions SET current_capital = $1, total_pnl = $2, total_trades = $3,
			winning_trades = $4, losing_trades = $5, win_rate = $6, roi = $7, daily_avg_roi = $8
		WHERE id = $9`,
		s.CurrentCapital, s.TotalPnL, s.TotalTrades, s.WinningTrades, s.LosingTrades,
		s.WinRate, s.ROI, s.DailyAvgROI, s.ID)
	if err != nil {
		return fmt.Errorf("pg.UpdateSession: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteSession(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.Conn().Exec(ctx, `UPDATE simulation_sessions SET status = $1, completed_at = $2 WHERE id = $3`,
		string(models.SessionCompleted), at, id)
	if err != nil {
		return fmt.Errorf("pg.CompleteSession: %w", err)
	}
	return nil
}

func (p *Postgres) Session(ctx context.Context, id string) (models.SimulationSession, error) {
	var s models.SimulationSession
	var status string
	err := p.db.Conn().QueryRow(ctx, `
		SELECT id, account_id, name, initial_capital, current_capital, total_pnl, total_trades,
		       winning_trades, losing_trades, win_rate, roi, daily_avg_roi, duration_hours,
		       status, started_at, completed_at
		FROM simulation_sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.AccountID, &s.Name, &s.InitialCapital, &s.CurrentCapital, &s.TotalPnL, &s.TotalTrades,
		&s.WinningTrades, &s.LosingTrades, &s.WinRate, &s.ROI, &s.DailyAvgROI, &s.DurationHours,
		&status, &s.StartedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("pg.Session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("pg.Session: %w", err)
	}
	s.Status = models.SessionStatus(status)
	return s, nil
}

// SaveSimulationTrade пишет сделку под блокировкой строки сессии.
func (p *Postgres) SaveSimulationTrade(ctx context.Context, t models.SimulationTrade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveSimulationTrade: %w", err)
		}
	}()

	indicators, err := encodeJSON(t.Indicators)
	if err != nil {
		return err
	}
	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctxTx, `SELECT status FROM simulation_sessions WHERE id = $1 FOR UPDATE`, t.SessionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", t.SessionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status != string(models.SessionRunning) {
			return errors.Errorf("session %s is %s", t.SessionID, status)
		}

		_, err = tx.Exec(ctxTx, `
			INSERT INTO simulation_trades (id, session_id, strategy_id, symbol, side, action, quantity, price,
				pnl, pnl_percentage, indicators, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, t.SessionID, t.StrategyID, t.Symbol, t.Side, string(t.Action), t.Quantity, t.Price,
			t.PnL, t.PnLPercentage, indicators, t.ExecutedAt)
		return err
	})
}

func (p *Postgres) SimulationTrades(ctx context.Context, sessionID string) (out []models.SimulationTrade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SimulationTrades: %w", err)
		}
	}()

	rows, err := p.db.Conn().Query(ctx, `
		SELECT id, session_id, strategy_id, symbol, side, action, quantity, price, pnl, pnl_percentage,
		       indicators, executed_at
		FROM simulation_trades WHERE session_id = $1 ORDER BY executed_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.SimulationTrade
		var action string
		var indicators []byte
		if err = rows.Scan(&t.ID, &t.SessionID, &t.StrategyID, &t.Symbol, &t.Side, &action, &t.Quantity, &t.Price,
			&t.PnL, &t.PnLPercentage, &indicators, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Action = models.TradeAction(action)
		t.ExecutedAt = t.ExecutedAt.UTC()
		if err = decodeJSON(indicators, &t.Indicators); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveTrade(ctx context.Context, t models.TradeRecord) error {
	_, err := p.db.Conn().Exec(ctx, `
		INSERT INTO trades (id, strategy_id, symbol, direction, action, quantity, price, order_id, pnl, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.StrategyID, t.Symbol, string(t.Direction), string(t.Action), t.Quantity, t.Price, t.OrderID, t.PnL, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("pg.SaveTrade: %w", err)
	}
	return nil
}
