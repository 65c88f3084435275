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

	_ "modernc.org/sqlite"
)

// RunStore persists runs, their trades and their equity snapshots in one
// sqlite file.
type RunStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewRunStore(root string) (*RunStore, error) {
	if root == "" {
		return nil, fmt.Errorf("run store requires a data root")
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
	if err := ensureRunSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &RunStore{db: db, path: path}, nil
}

func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureRunSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_balance REAL NOT NULL,
			final_balance REAL NOT NULL DEFAULT 0,
			num_trades INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			metrics_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			price REAL NOT NULL,
			side TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_equity_run ON backtest_equity(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun inserts a run in pending state.
func (s *RunStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
		(id, strategy, symbol, timeframe, status, start_ts, end_ts, initial_balance, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.Symbol, run.Timeframe, run.Status,
		run.StartTS, run.EndTS, run.InitialBalance, string(cfg), now, now)
	return err
}

// UpdateStatus moves a run between lifecycle states.
func (s *RunStore) UpdateStatus(ctx context.Context, runID, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs SET status=?, message=?, updated_at=? WHERE id=?`,
		status, message, time.Now().UnixMilli(), runID)
	return err
}

// FinishRun stores the final state, the trades and the equity snapshots of a
// completed run in one transaction.
func (s *RunStore) FinishRun(ctx context.Context, run Run, trades []Trade, equity []EquityPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics, err := run.MarshalMetrics()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, final_balance=?, num_trades=?, metrics_json=?, updated_at=?, completed_at=?
		WHERE id=?`,
		run.Status, run.Message, run.FinalBalance, run.NumTrades, string(metrics), now, now, run.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, t := range trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades (run_id, ts, price, side) VALUES (?, ?, ?, ?)`,
			run.ID, t.Timestamp.UnixMilli(), t.Price, t.Side); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, p := range equity {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_equity (run_id, ts, equity) VALUES (?, ?, ?)`,
			run.ID, p.Timestamp.UnixMilli(), p.Equity); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetRun loads one run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, symbol, timeframe, status, start_ts, end_ts,
		       initial_balance, final_balance, num_trades, config_json,
		       COALESCE(metrics_json, ''), COALESCE(message, ''),
		       created_at, updated_at, COALESCE(completed_at, 0)
		FROM backtest_runs WHERE id=?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, symbol, timeframe, status, start_ts, end_ts,
		       initial_balance, final_balance, num_trades, config_json,
		       COALESCE(metrics_json, ''), COALESCE(message, ''),
		       created_at, updated_at, COALESCE(completed_at, 0)
		FROM backtest_runs ORDER BY created_at DESC LIMIT ?`, limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run                             Run
		configJSON, metricsJSON         string
		createdAt, updatedAt, completed int64
	)
	if err := row.Scan(&run.ID, &run.Strategy, &run.Symbol, &run.Timeframe, &run.Status,
		&run.StartTS, &run.EndTS, &run.InitialBalance, &run.FinalBalance, &run.NumTrades,
		&configJSON, &metricsJSON, &run.Message, &createdAt, &updatedAt, &completed); err != nil {
		return Run{}, err
	}
	if configJSON != "" {
		_ = json.Unmarshal([]byte(configJSON), &run.Config)
	}
	if metricsJSON != "" {
		_ = json.Unmarshal([]byte(metricsJSON), &run.Metrics)
	}
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completed > 0 {
		run.CompletedAt = time.UnixMilli(completed).UTC()
	}
	return run, nil
}

// Trades returns the trade log of a run in execution order.
func (s *RunStore) Trades(ctx context.Context, runID string) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, price, side FROM backtest_trades WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Trade
	for rows.Next() {
		var (
			ts int64
			t  Trade
		)
		if err := rows.Scan(&ts, &t.Price, &t.Side); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts).UTC()
		list = append(list, t)
	}
	return list, rows.Err()
}

// EquityCurve returns the stored equity snapshots of a run, ascending.
func (s *RunStore) EquityCurve(ctx context.Context, runID string) ([]EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity FROM backtest_equity WHERE run_id=? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []EquityPoint
	for rows.Next() {
		var (
			ts int64
			p  EquityPoint
		)
		if err := rows.Scan(&ts, &p.Equity); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		list = append(list, p)
	}
	return list, rows.Err()
}
