package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"futures_engine/internal/models"
	"futures_engine/internal/strategy"
	"futures_engine/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	account_id TEXT PRIMARY KEY,
	running    INTEGER NOT NULL,
	mode       TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	strategy_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	entry_price    REAL NOT NULL,
	entry_time     INTEGER NOT NULL,
	quantity       REAL NOT NULL,
	contract_value REAL NOT NULL DEFAULT 1,
	leverage       REAL NOT NULL,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	realized_pnl   REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	exit_price     REAL,
	exit_time      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS condition_evaluations (
	id                TEXT PRIMARY KEY,
	strategy_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	condition_type    TEXT NOT NULL,
	evaluation_result INTEGER NOT NULL,
	details           TEXT NOT NULL,
	evaluated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_at ON condition_evaluations(evaluated_at);

CREATE TABLE IF NOT EXISTS simulation_sessions (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	initial_capital REAL NOT NULL,
	current_capital REAL NOT NULL,
	total_pnl       REAL NOT NULL,
	total_trades    INTEGER NOT NULL,
	winning_trades  INTEGER NOT NULL,
	losing_trades   INTEGER NOT NULL,
	win_rate        REAL NOT NULL,
	roi             REAL NOT NULL,
	daily_avg_roi   REAL NOT NULL,
	duration_hours  REAL NOT NULL,
	status          TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER
);

CREATE TABLE IF NOT EXISTS simulation_trades (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	strategy_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	action         TEXT NOT NULL,
	quantity       REAL NOT NULL,
	price          REAL NOT NULL,
	pnl            REAL,
	pnl_percentage REAL,
	indicators     TEXT NOT NULL,
	executed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sim_trades_session ON simulation_trades(session_id);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	action      TEXT NOT NULL,
	quantity    REAL NOT NULL,
	price       REAL NOT NULL,
	order_id    TEXT NOT NULL,
	pnl         REAL NOT NULL,
	executed_at INTEGER NOT NULL
);
`

// SQLite локальное хранилище, WAL.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite mkdir")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("[STORE] sqlite opened %s", path)
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func ptrFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *SQLite) LoadState(ctx context.Context, accountID string) (st models.EngineState, err error) {
	defer func() {
		if err != nil && !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("sqlite.LoadState: %w", err)
		}
	}()

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM engine_state WHERE account_id = ?`, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) SaveState(ctx context.Context, st models.EngineState) error {
	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_state (account_id, running, mode, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			running = excluded.running, mode = excluded.mode,
			data = excluded.data, updated_at = excluded.updated_at`,
		st.AccountID, st.Running, string(st.Mode), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite.SaveState: %w", err)
	}
	return nil
}

func (s *SQLite) ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM strategies WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ActiveStrategies: %w", err)
	}
	defer rows.Close()

	var out []strategy.Strategy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite.ActiveStrategies: %w", err)
		}
		st, err := decodeStrategy(data)
		if err != nil {
			// битая стратегия не должна останавливать остальные
			logger.Warn("[STORE] skip strategy: %v", err)
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertStrategy(ctx context.Context, st strategy.Strategy) error {
	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, user_id, active, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, user_id = excluded.user_id, active = excluded.active,
			data = excluded.data, updated_at = excluded.updated_at`,
		st.ID, st.Name, st.UserID, st.Active, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite.UpsertStrategy: %w", err)
	}
	return nil
}

func (s *SQLite) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, direction, entry_price, entry_time, quantity,
		       contract_value, leverage, unrealized_pnl, realized_pnl, status
		FROM positions WHERE status = ? ORDER BY entry_time`, string(models.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("sqlite.OpenPositions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		var entry int64
		var dir, status string
		if err := rows.Scan(&p.ID, &p.StrategyID, &p.Symbol, &dir, &p.EntryPrice, &entry, &p.Quantity,
			&p.ContractValue, &p.Leverage, &p.UnrealizedPnl, &p.RealizedPnl, &status); err != nil {
			return nil, fmt.Errorf("sqlite.OpenPositions: %w", err)
		}
		p.Direction = models.Direction(dir)
		p.Status = models.PositionStatus(status)
		p.EntryTime = fromMs(entry)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) SavePosition(ctx context.Context, p models.Position) error {
	if p.Status == "" {
		p.Status = models.PositionOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, strategy_id, symbol, direction, entry_price, entry_time, quantity,
			contract_value, leverage, unrealized_pnl, realized_pnl, status, exit_price, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity, unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl, status = excluded.status,
			exit_price = excluded.exit_price, exit_time = excluded.exit_time`,
		p.ID, p.StrategyID, p.Symbol, string(p.Direction), p.EntryPrice, ms(p.EntryTime), p.Quantity,
		p.ContractValue, p.Leverage, p.UnrealizedPnl, p.RealizedPnl, string(p.Status),
		sql.NullFloat64{Float64: p.ExitPrice, Valid: p.ExitPrice > 0}, nullMs(p.ExitTime))
	if err != nil {
		return fmt.Errorf("sqlite.SavePosition: %w", err)
	}
	return nil
}

func (s *SQLite) ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_price = ?, exit_time = ?, realized_pnl = ?, unrealized_pnl = 0
		WHERE id = ?`,
		string(models.PositionClosed), exitPrice, at.UnixMilli(), realizedPnl, id)
	if err != nil {
		return fmt.Errorf("sqlite.ClosePosition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite.ClosePosition %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) SaveEvaluation(ctx context.Context, e models.ConditionEvaluation) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO condition_evaluations (id, strategy_id, symbol, condition_type, evaluation_result, details, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StrategyID, e.Symbol, string(e.ConditionType), e.EvaluationResult, string(details), ms(e.EvaluatedAt))
	if err != nil {
		return fmt.Errorf("sqlite.SaveEvaluation: %w", err)
	}
	return nil
}

func (s *SQLite) RecentEvaluations(ctx context.Context, limit int) ([]models.ConditionEvaluation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, condition_type, evaluation_result, details, evaluated_at
		FROM condition_evaluations ORDER BY evaluated_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite.RecentEvaluations: %w", err)
	}
	defer rows.Close()

	var out []models.ConditionEvaluation
	for rows.Next() {
		var e models.ConditionEvaluation
		var ct string
		var details []byte
		var at int64
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.Symbol, &ct, &e.EvaluationResult, &details, &at); err != nil {
			return nil, fmt.Errorf("sqlite.RecentEvaluations: %w", err)
		}
		e.ConditionType = models.ConditionType(ct)
		e.EvaluatedAt = fromMs(at)
		if err := decodeJSON(details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSession(ctx context.Context, ss models.SimulationSession) error {
	if ss.Status == "" {
		ss.Status = models.SessionRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_sessions (id, account_id, name, initial_capital, current_capital, total_pnl,
			total_trades, winning_trades, losing_trades, win_rate, roi, daily_avg_roi, duration_hours,
			status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.AccountID, ss.Name, ss.InitialCapital, ss.CurrentCapital, ss.TotalPnL,
		ss.TotalTrades, ss.WinningTrades, ss.LosingTrades, ss.WinRate, ss.ROI, ss.DailyAvgROI, ss.DurationHours,
		string(ss.Status), ms(ss.StartedAt), nullMs(ss.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlite.CreateSession: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateSession(ctx context.Context, ss models.SimulationSession) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE simulation_sessions SET current_capital = ?, total_pnl = ?, total_trades = ?,
			winning_trades = ?, losing_trades = ?, win_rate = ?, roi = ?, daily_avg_roi = ?
		WHERE id = ?`,
		ss.CurrentCapital, ss.TotalPnL, ss.TotalTrades, ss.WinningTrades, ss.LosingTrades,
		ss.WinRate, ss.ROI, ss.DailyAvgROI, ss.ID)
	if err != nil {
		return fmt.Errorf("sqlite.UpdateSession: %w", err)
	}
	return nil
}

func (s *SQLite) CompleteSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE simulation_sessions SET status = ?, completed_at = ? WHERE id = ?`,
		string(models.SessionCompleted), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite.CompleteSession: %w", err)
	}
	return nil
}

func (s *SQLite) Session(ctx context.Context, id string) (models.SimulationSession, error) {
	var ss models.SimulationSession
	var status string
	var started int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, initial_capital, current_capital, total_pnl, total_trades,
		       winning_trades, losing_trades, win_rate, roi, daily_avg_roi, duration_hours,
		       status, started_at, completed_at
		FROM simulation_sessions WHERE id = ?`, id).Scan(
		&ss.ID, &ss.AccountID, &ss.Name, &ss.InitialCapital, &ss.CurrentCapital, &ss.TotalPnL, &ss.TotalTrades,
		&ss.WinningTrades, &ss.LosingTrades, &ss.WinRate, &ss.ROI, &ss.DailyAvgROI, &ss.DurationHours,
		&status, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ss, fmt.Errorf("sqlite.Session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ss, fmt.Errorf("sqlite.Session: %w", err)
	}
	ss.Status = models.SessionStatus(status)
	ss.StartedAt = fromMs(started)
	ss.CompletedAt = ptrMs(completed)
	return ss, nil
}

func (s *SQLite) SaveSimulationTrade(ctx context.Context, t models.SimulationTrade) error {
	indicators, err := encodeJSON(t.Indicators)
	if err != nil {
		return err
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM simulation_sessions WHERE id = ?`, t.SessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite.SaveSimulationTrade session %s: %w", t.SessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite.SaveSimulationTrade: %w", err)
	}
	if status != string(models.SessionRunning) {
		return errors.Errorf("sqlite.SaveSimulationTrade: session %s is %s", t.SessionID, status)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulation_trades (id, session_id, strategy_id, symbol, side, action, quantity, price,
			pnl, pnl_percentage, indicators, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.StrategyID, t.Symbol, t.Side, string(t.Action), t.Quantity, t.Price,
		nullFloat(t.PnL), nullFloat(t.PnLPercentage), string(indicators), ms(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("sqlite.SaveSimulationTrade: %w", err)
	}
	return nil
}

func (s *SQLite) SimulationTrades(ctx context.Context, sessionID string) ([]models.SimulationTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, strategy_id, symbol, side, action, quantity, price, pnl, pnl_percentage,
		       indicators, executed_at
		FROM simulation_trades WHERE session_id = ? ORDER BY executed_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite.SimulationTrades: %w", err)
	}
	defer rows.Close()

	var out []models.SimulationTrade
	for rows.Next() {
		var t models.SimulationTrade
		var action string
		var pnl, pnlPct sql.NullFloat64
		var indicators []byte
		var at int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.StrategyID, &t.Symbol, &t.Side, &action, &t.Quantity, &t.Price,
			&pnl, &pnlPct, &indicators, &at); err != nil {
			return nil, fmt.Errorf("sqlite.SimulationTrades: %w", err)
		}
		t.Action = models.TradeAction(action)
		t.PnL, t.PnLPercentage = ptrFloat(pnl), ptrFloat(pnlPct)
		t.ExecutedAt = fromMs(at)
		if err := decodeJSON(indicators, &t.Indicators); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveTrade(ctx context.Context, t models.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, strategy_id, symbol, direction, action, quantity, price, order_id, pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StrategyID, t.Symbol, string(t.Direction), string(t.Action), t.Quantity, t.Price, t.OrderID, t.PnL, ms(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("sqlite.SaveTrade: %w", err)
	}
	return nil
}
