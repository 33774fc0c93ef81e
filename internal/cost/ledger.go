// Package cost implements the append-only cost ledger (SPEC_FULL component
// A): one row per provider call, keyed by time, session, and model, used
// to answer per-session, daily and all-time cost queries. The agentic loop
// does not read it and has no max_cost termination.
package cost

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nicolasforstinger/lucyd/internal/providers"
)

// Record is one append-only ledger row.
type Record struct {
	ID                int64
	Timestamp         time.Time
	SessionID         string
	Model             string
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheWriteTokens  int
	CostUSD           float64
}

// Rates gives the per-million-token prices needed to turn a Usage into a
// dollar figure. Cache-read tokens are billed at CacheReadPerM (typically
// a fraction of InputPerM); cache-write tokens at CacheWritePerM.
type Rates struct {
	InputPerM      float64
	OutputPerM     float64
	CacheReadPerM  float64
	CacheWritePerM float64
}

// Ledger is a SQLite-backed append-only cost log.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the cost database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cost db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cost db wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cost_records (
		id                 INTEGER PRIMARY KEY,
		ts                 TEXT NOT NULL,
		session_id         TEXT NOT NULL,
		model              TEXT NOT NULL,
		input_tokens       INTEGER NOT NULL DEFAULT 0,
		output_tokens      INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd           REAL NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure cost schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cost_ts ON cost_records(ts)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cost_session ON cost_records(session_id)`); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one cost row for a completed provider call and returns
// the dollar cost of that call. Safe to call even when rates are all
// zero (e.g. a free local model): it records zero cost rather than
// failing.
func (l *Ledger) Record(sessionID, model string, usage *providers.Usage, rates Rates) (float64, error) {
	if usage == nil {
		usage = &providers.Usage{}
	}
	costUSD := computeCost(usage, rates)
	now := time.Now().UTC()
	_, err := l.db.Exec(
		`INSERT INTO cost_records (ts, session_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339), sessionID, model,
		usage.PromptTokens, usage.CompletionTokens, usage.CacheReadTokens, usage.CacheCreationTokens, costUSD,
	)
	if err != nil {
		return 0, fmt.Errorf("record cost: %w", err)
	}
	return costUSD, nil
}

func computeCost(usage *providers.Usage, rates Rates) float64 {
	const million = 1_000_000.0
	return float64(usage.PromptTokens)*rates.InputPerM/million +
		float64(usage.CompletionTokens)*rates.OutputPerM/million +
		float64(usage.CacheReadTokens)*rates.CacheReadPerM/million +
		float64(usage.CacheCreationTokens)*rates.CacheWritePerM/million
}

// SessionTotal sums cost recorded for a single session. Missing ledger
// rows (fresh session) return zero cleanly rather than an error. No code
// in this repository calls it.
func (l *Ledger) SessionTotal(sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRow(`SELECT SUM(cost_usd) FROM cost_records WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("session cost total: %w", err)
	}
	return total.Float64, nil
}

// RangeTotal sums cost for all records with timestamp in [from, to).
// DailyTotal is built on it; there is no HTTP /cost endpoint.
func (l *Ledger) RangeTotal(from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRow(
		`SELECT SUM(cost_usd) FROM cost_records WHERE ts >= ? AND ts < ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("range cost total: %w", err)
	}
	return total.Float64, nil
}

// ByModel aggregates total cost per model across [from, to).
func (l *Ledger) ByModel(from, to time.Time) (map[string]float64, error) {
	rows, err := l.db.Query(
		`SELECT model, SUM(cost_usd) FROM cost_records WHERE ts >= ? AND ts < ? GROUP BY model`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("cost by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var model string
		var total float64
		if err := rows.Scan(&model, &total); err != nil {
			return nil, err
		}
		out[model] = total
	}
	return out, rows.Err()
}

// DailyTotal is a convenience wrapper over RangeTotal for the current UTC day.
func (l *Ledger) DailyTotal() (float64, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return l.RangeTotal(start, start.Add(24*time.Hour))
}

// AllTimeTotal sums every recorded cost row.
func (l *Ledger) AllTimeTotal() (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRow(`SELECT SUM(cost_usd) FROM cost_records`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("all-time cost total: %w", err)
	}
	return total.Float64, nil
}
