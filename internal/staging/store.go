// Copyright 2025 James Ross
// Package staging implements C3: an embedded SQLite row store for files,
// POIs, relationships, outbox events, evidence tracking, and triangulation
// sessions, with WAL journaling and a transaction wrapper that retries on
// contention.
package staging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codegraph/analysis-pipeline/internal/config"
)

type Store struct {
	db         *sql.DB
	maxRetries int
}

// Open creates (or attaches to) the SQLite database at cfg.Staging.Path,
// applies WAL/synchronous/foreign-key pragmas, and ensures the schema.
func Open(cfg config.Staging) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("staging: open: %w", err)
	}
	db.SetMaxOpenConns(1) // a single writer connection avoids SQLITE_BUSY under WAL
	s := &Store{db: db, maxRetries: 3}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("staging: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// HealthCheck runs SELECT 1 per spec §4.3.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	hash TEXT NOT NULL,
	status TEXT NOT NULL,
	UNIQUE(run_id, file_path)
);
CREATE INDEX IF NOT EXISTS idx_files_run ON files(run_id);

CREATE TABLE IF NOT EXISTS pois (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	file_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	is_exported INTEGER NOT NULL DEFAULT 0,
	semantic_id TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	llm_output TEXT,
	UNIQUE(run_id, file_id, semantic_id)
);
CREATE INDEX IF NOT EXISTS idx_pois_run ON pois(run_id);
CREATE INDEX IF NOT EXISTS idx_pois_semantic ON pois(semantic_id);

CREATE TABLE IF NOT EXISTS relationships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	source_poi_id INTEGER NOT NULL,
	target_poi_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	file_path TEXT,
	status TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT,
	evidence TEXT,
	escalated_to_human INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rel_run ON relationships(run_id);
CREATE INDEX IF NOT EXISTS idx_rel_endpoints ON relationships(source_poi_id, target_poi_id);

CREATE TABLE IF NOT EXISTS outbox_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolution_attempts INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, id);
CREATE INDEX IF NOT EXISTS idx_outbox_run ON outbox_events(run_id);

CREATE TABLE IF NOT EXISTS relationship_evidence_tracking (
	run_id TEXT NOT NULL,
	relationship_hash TEXT NOT NULL,
	evidence_count INTEGER NOT NULL DEFAULT 0,
	expected_count INTEGER NOT NULL,
	total_confidence REAL NOT NULL DEFAULT 0,
	avg_confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	PRIMARY KEY (run_id, relationship_hash)
);

CREATE TABLE IF NOT EXISTS triangulation_sessions (
	session_id TEXT PRIMARY KEY,
	relationship_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	initial_confidence REAL NOT NULL,
	final_confidence REAL,
	consensus_score REAL,
	escalated_to_human INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agent_analyses (
	session_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	evidence_strength REAL NOT NULL,
	reasoning TEXT,
	PRIMARY KEY (session_id, agent_type)
);

CREATE TABLE IF NOT EXISTS consensus_decisions (
	session_id TEXT PRIMARY KEY,
	weighted_consensus REAL NOT NULL,
	agreement_level REAL NOT NULL,
	final_decision TEXT NOT NULL,
	requires_human_review INTEGER NOT NULL DEFAULT 0
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Transaction runs fn inside a SQL transaction, retrying on
// SQLITE_BUSY-style contention with exponential backoff up to 3 attempts,
// per spec §4.3. fn must never perform a classifier call (spec §5).
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(1<<attempt) * 50 * time.Millisecond)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(1<<attempt) * 50 * time.Millisecond)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("staging: transaction exhausted retries: %w", lastErr)
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

// BatchInsert performs an INSERT OR IGNORE for idempotent batched writes,
// matching spec §4.3's batchInsert contract.
func (s *Store) BatchInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ","), strings.Join(placeholders, ","))
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("staging: prepare batch insert: %w", err)
	}
	defer prepared.Close()
	for _, row := range rows {
		if _, err := prepared.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("staging: batch insert row: %w", err)
		}
	}
	return nil
}
