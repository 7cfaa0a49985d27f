package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"btlab/internal/regime"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/trades/equity/anomalies 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			config_json TEXT NOT NULL,
			metrics_json TEXT,
			message TEXT NOT NULL DEFAULT '',
			trades INTEGER NOT NULL DEFAULT 0,
			anomalies INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			entry_time INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_time INTEGER NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			pnl_pct REAL NOT NULL,
			pnl_abs REAL NOT NULL,
			holding_bars INTEGER NOT NULL,
			exit_reason TEXT NOT NULL,
			fees_paid REAL NOT NULL,
			regime_at_entry TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			ts INTEGER NOT NULL,
			cash REAL NOT NULL,
			position_value REAL NOT NULL,
			total_equity REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_equity_run ON backtest_equity(run_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_anomalies_run ON backtest_anomalies(run_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_created ON backtest_runs(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化结果库失败: %w", err)
		}
	}
	return nil
}

// InsertRun 落库一条新的模拟任务记录。
func (s *ResultStore) InsertRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run 不能为空")
	}
	cfgJSON, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = timeFromMillis(now)
	}
	run.UpdatedAt = timeFromMillis(now)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, timeframe, strategy, status, start_ts, end_ts,
			 config_json, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Timeframe, run.Strategy, run.Status,
		run.StartTS, run.EndTS, string(cfgJSON), run.Message,
		run.CreatedAt.UnixMilli(), now)
	return err
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// SaveResult 在一个事务内写入指标与全部明细，并把状态置为 done。
func (s *ResultStore) SaveResult(ctx context.Context, runID string, res *Result) error {
	if res == nil {
		return fmt.Errorf("result 不能为空")
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, metrics_json=?, trades=?, anomalies=?, updated_at=?, completed_at=?
		WHERE id=?`,
		RunStatusDone, string(metricsJSON), len(res.Trades), len(res.Anomalies), now, now, runID); err != nil {
		return err
	}
	for _, tr := range res.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades
				(run_id, entry_time, entry_price, exit_time, exit_price, quantity,
				 pnl_pct, pnl_abs, holding_bars, exit_reason, fees_paid, regime_at_entry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, tr.EntryTime, tr.EntryPrice, tr.ExitTime, tr.ExitPrice, tr.Quantity,
			tr.PnLPct, tr.PnLAbs, tr.HoldingBars, tr.ExitReason, tr.FeesPaid, string(tr.RegimeAtEntry)); err != nil {
			return err
		}
	}
	for _, pt := range res.EquityCurve {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_equity (run_id, ts, cash, position_value, total_equity)
			VALUES (?, ?, ?, ?, ?)`,
			runID, pt.Timestamp, pt.Cash, pt.PositionValue, pt.TotalEquity); err != nil {
			return err
		}
	}
	for _, an := range res.Anomalies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_anomalies (run_id, ts, kind, reason)
			VALUES (?, ?, ?, ?)`,
			runID, an.Timestamp, an.Kind, an.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, strategy, status, start_ts, end_ts,
		       config_json, metrics_json, message, trades, anomalies,
		       created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, strategy, status, start_ts, end_ts,
		       config_json, metrics_json, message, trades, anomalies,
		       created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_time, entry_price, exit_time, exit_price, quantity,
		       pnl_pct, pnl_abs, holding_bars, exit_reason, fees_paid, regime_at_entry
		FROM backtest_trades
		WHERE run_id=?
		ORDER BY id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var tr Trade
		var regimeStr string
		if err := rows.Scan(&tr.EntryTime, &tr.EntryPrice, &tr.ExitTime, &tr.ExitPrice,
			&tr.Quantity, &tr.PnLPct, &tr.PnLAbs, &tr.HoldingBars, &tr.ExitReason,
			&tr.FeesPaid, &regimeStr); err != nil {
			return nil, err
		}
		tr.RegimeAtEntry = regime.Label(regimeStr)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListEquity(ctx context.Context, runID string, limit int) ([]EquityPoint, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, cash, position_value, total_equity
		FROM backtest_equity
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var pt EquityPoint
		if err := rows.Scan(&pt.Timestamp, &pt.Cash, &pt.PositionValue, &pt.TotalEquity); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListAnomalies(ctx context.Context, runID string, limit int) ([]Anomaly, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, kind, reason
		FROM backtest_anomalies
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var an Anomaly
		if err := rows.Scan(&an.Timestamp, &an.Kind, &an.Reason); err != nil {
			return nil, err
		}
		out = append(out, an)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var metricsStr sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Timeframe, &run.Strategy, &run.Status,
		&run.StartTS, &run.EndTS, &cfgStr, &metricsStr, &run.Message,
		&run.Trades, &run.Anomalies, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if metricsStr.Valid && metricsStr.String != "" {
		var m Metrics
		if err := json.Unmarshal([]byte(metricsStr.String), &m); err != nil {
			return Run{}, err
		}
		run.Metrics = &m
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
