// Package store persists strategy configs and trade logs in a local SQLite
// database. Only the executor core touches the store; runtimes request
// persistence through it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	timeframe    TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_logs (
	id           TEXT PRIMARY KEY,
	strategy_id  TEXT NOT NULL,
	event_kind   TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	time         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_logs_strategy ON trade_logs(strategy_id, time);
`

// Store wraps the embedded database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the SQLite file at path (":memory:" for tests) and applies
// the schema.
func Open(logger *zap.Logger, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type strategyRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Symbol      string    `db:"symbol"`
	Timeframe   string    `db:"timeframe"`
	PayloadJSON string    `db:"payload_json"`
	CreatedAt   time.Time `db:"created_at"`
}

type tradeLogRow struct {
	ID          string    `db:"id"`
	StrategyID  string    `db:"strategy_id"`
	EventKind   string    `db:"event_kind"`
	PayloadJSON string    `db:"payload_json"`
	Time        time.Time `db:"time"`
}

// SaveStrategy inserts or replaces a strategy config.
func (s *Store) SaveStrategy(ctx context.Context, cfg types.StrategyConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode strategy %s: %w", cfg.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, symbol, timeframe, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			payload_json = excluded.payload_json`,
		cfg.ID, cfg.Name, cfg.Symbol, string(cfg.Timeframe), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", cfg.ID, err)
	}
	return nil
}

// LoadStrategies returns every persisted strategy config.
func (s *Store) LoadStrategies(ctx context.Context) ([]types.StrategyConfig, error) {
	var rows []strategyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM strategies ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	out := make([]types.StrategyConfig, 0, len(rows))
	for _, row := range rows {
		var cfg types.StrategyConfig
		if err := json.Unmarshal([]byte(row.PayloadJSON), &cfg); err != nil {
			s.logger.Warn("skipping undecodable strategy row",
				zap.String("id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// LoadStrategy returns one persisted config, or (nil, nil) when absent.
func (s *Store) LoadStrategy(ctx context.Context, id string) (*types.StrategyConfig, error) {
	var row strategyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM strategies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy %s: %w", id, err)
	}
	var cfg types.StrategyConfig
	if err := json.Unmarshal([]byte(row.PayloadJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", id, err)
	}
	return &cfg, nil
}

// DeleteResult summarizes a permanent delete.
type DeleteResult struct {
	StrategyDeleted  bool  `json:"strategyDeleted"`
	TradeLogsDeleted int64 `json:"tradeLogsDeleted"`
	WasRunning       bool  `json:"wasRunning"`
}

// DeleteStrategy permanently removes a strategy and its trade logs in one
// transaction, logs first. WasRunning is filled in by the caller.
func (s *Store) DeleteStrategy(ctx context.Context, id string) (DeleteResult, error) {
	var result DeleteResult
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	logsRes, err := tx.ExecContext(ctx, `DELETE FROM trade_logs WHERE strategy_id = ?`, id)
	if err != nil {
		return result, fmt.Errorf("delete trade logs for %s: %w", id, err)
	}
	result.TradeLogsDeleted, _ = logsRes.RowsAffected()

	stratRes, err := tx.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return result, fmt.Errorf("delete strategy %s: %w", id, err)
	}
	if n, _ := stratRes.RowsAffected(); n > 0 {
		result.StrategyDeleted = true
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, fmt.Errorf("commit delete tx: %w", err)
	}
	return result, nil
}

// AppendTradeLog persists one trade event.
func (s *Store) AppendTradeLog(ctx context.Context, ev types.TradeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trade event %s: %w", ev.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_logs (id, strategy_id, event_kind, payload_json, time)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.StrategyID, string(ev.Kind), string(payload), ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("append trade log %s: %w", ev.ID, err)
	}
	return nil
}

// TradeLogs returns the most recent events, newest first. strategyID "" means
// all strategies.
func (s *Store) TradeLogs(ctx context.Context, strategyID string, limit int) ([]types.TradeEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []tradeLogRow
	var err error
	if strategyID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM trade_logs ORDER BY time DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM trade_logs WHERE strategy_id = ? ORDER BY time DESC LIMIT ?`, strategyID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("load trade logs: %w", err)
	}
	out := make([]types.TradeEvent, 0, len(rows))
	for _, row := range rows {
		var ev types.TradeEvent
		if err := json.Unmarshal([]byte(row.PayloadJSON), &ev); err != nil {
			s.logger.Warn("skipping undecodable trade log row",
				zap.String("id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// TradeStats aggregates count and realized PnL of a strategy's exits.
func (s *Store) TradeStats(ctx context.Context, strategyID string) (int, decimal.Decimal, error) {
	events, err := s.TradeLogs(ctx, strategyID, 10000)
	if err != nil {
		return 0, decimal.Zero, err
	}
	count := 0
	pnl := decimal.Zero
	for _, ev := range events {
		if ev.Kind != types.EventExit && ev.Kind != types.EventPartial {
			continue
		}
		count++
		if ev.PnLRealized != nil {
			pnl = pnl.Add(*ev.PnLRealized)
		}
	}
	return count, pnl, nil
}
