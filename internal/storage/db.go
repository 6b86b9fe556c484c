// Package storage is the secondary, query-oriented store: a sqlite
// database of every execution attempt, kept alongside (never instead
// of) internal/store's atomic JSON files. WAL-mode DSN tuning, a
// createTables-once-at-open pattern, and thin Insert/Get method pairs
// over database/sql.
package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"treasury-engine/internal/trading"
)

// DB wraps the sqlite connection.
type DB struct {
	db *sql.DB
}

// ExecutionRecord is one row of the execution ledger: every buy or sell
// attempt, successful or not, with enough detail to reconstruct
// internal/trading.ExecutionStats from cold storage after a restart.
type ExecutionRecord struct {
	ID           int64
	PositionID   string
	Mint         string
	Direction    string // "BUY" or "SELL"
	Success      bool
	AmountUSD    float64
	SlippagePct  float64
	LatencyMs    int64
	Retries      int
	ErrorType    string
	Signature    string
	Timestamp    int64
}

// NewDB opens path, applying WAL/synchronous/busy_timeout tuning so
// concurrent readers (the dashboard, the API server) never block the
// engine's writes.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("execution ledger database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		direction TEXT NOT NULL,
		success INTEGER NOT NULL,
		amount_usd REAL NOT NULL DEFAULT 0,
		slippage_pct REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		error_type TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_timestamp ON executions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_executions_mint ON executions(mint);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertExecution logs one execution attempt.
func (d *DB) InsertExecution(r *ExecutionRecord) error {
	_, err := d.db.Exec(`
		INSERT INTO executions
		(position_id, mint, direction, success, amount_usd, slippage_pct, latency_ms, retries, error_type, signature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PositionID, r.Mint, r.Direction, r.Success, r.AmountUSD, r.SlippagePct, r.LatencyMs, r.Retries, r.ErrorType, r.Signature, r.Timestamp)
	return err
}

// RecentExecutions retrieves the most recent executions, newest first.
func (d *DB) RecentExecutions(limit int) ([]*ExecutionRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, position_id, mint, direction, success, amount_usd, slippage_pct, latency_ms, retries, error_type, signature, timestamp
		FROM executions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var success int
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Mint, &r.Direction, &success, &r.AmountUSD, &r.SlippagePct, &r.LatencyMs, &r.Retries, &r.ErrorType, &r.Signature, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ExecutionsForMint retrieves every execution logged against mint.
func (d *DB) ExecutionsForMint(mint string) ([]*ExecutionRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, position_id, mint, direction, success, amount_usd, slippage_pct, latency_ms, retries, error_type, signature, timestamp
		FROM executions WHERE mint = ? ORDER BY timestamp ASC`, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var success int
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Mint, &r.Direction, &success, &r.AmountUSD, &r.SlippagePct, &r.LatencyMs, &r.Retries, &r.ErrorType, &r.Signature, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AggregateStats returns the same headline figures ExecutionMetrics.Stats
// reports in-memory, recomputed from durable storage — used to rebuild
// a dashboard's numbers after a process restart without waiting for a
// fresh sample window to fill.
func (d *DB) AggregateStats() (total, successful int64, avgSlippagePct float64, err error) {
	err = d.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) as successful,
			COALESCE(AVG(CASE WHEN success = 1 THEN slippage_pct END), 0) as avg_slippage
		FROM executions`).Scan(&total, &successful, &avgSlippagePct)
	return
}

// ReplayIntoMetrics feeds every durable execution record into a fresh
// ExecutionMetrics, so a restarted process's percentile/slippage-bucket
// view isn't empty until new trades happen.
func (d *DB) ReplayIntoMetrics(m *trading.ExecutionMetrics, limit int) error {
	records, err := d.RecentExecutions(limit)
	if err != nil {
		return err
	}
	// oldest first so the ring buffer's recency ordering matches reality
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		latency := time.Duration(r.LatencyMs) * time.Millisecond
		if r.Success {
			m.RecordSuccessWithSlippage(r.Direction, latency, r.SlippagePct)
		} else {
			m.RecordFailureWithRetries(r.Direction, r.ErrorType, r.Retries)
		}
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
