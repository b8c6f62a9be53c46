// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history archives completed generation rounds to SQLite.
//
// The archive is write-only with respect to live state: sessions are never
// rebuilt from it, it only answers "what ran and how did it go" after the
// fact. SQLite via the pure Go driver keeps the binary CGO-free.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT    NOT NULL,
	generation    INTEGER NOT NULL,
	outcome       TEXT    NOT NULL,
	error         TEXT    NOT NULL DEFAULT '',
	diet_ms       INTEGER NOT NULL DEFAULT 0,
	fitness_ms    INTEGER NOT NULL DEFAULT 0,
	diet_bytes    INTEGER NOT NULL DEFAULT 0,
	fitness_bytes INTEGER NOT NULL DEFAULT 0,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id);
CREATE INDEX IF NOT EXISTS idx_rounds_finished ON rounds(finished_at DESC);
`

// =============================================================================
// TYPES
// =============================================================================

// Round is one archived generation round.
type Round struct {
	SessionID    string
	Generation   uint64
	Outcome      string
	Error        string
	DietMs       int64
	FitnessMs    int64
	DietBytes    int64
	FitnessBytes int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Store is a SQLite-backed round archive.
type Store struct {
	db *sql.DB
}

// =============================================================================
// STORE
// =============================================================================

// Open opens (or creates) the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveRound appends one round to the archive.
func (s *Store) SaveRound(r Round) error {
	_, err := s.db.Exec(`
		INSERT INTO rounds
			(session_id, generation, outcome, error,
			 diet_ms, fitness_ms, diet_bytes, fitness_bytes,
			 started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Generation, r.Outcome, r.Error,
		r.DietMs, r.FitnessMs, r.DietBytes, r.FitnessBytes,
		r.StartedAt.Unix(), r.FinishedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

// Recent returns the n most recently finished rounds, newest first.
func (s *Store) Recent(n int) ([]Round, error) {
	rows, err := s.db.Query(`
		SELECT session_id, generation, outcome, error,
		       diet_ms, fitness_ms, diet_bytes, fitness_bytes,
		       started_at, finished_at
		FROM rounds
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		var started, finished int64
		if err := rows.Scan(
			&r.SessionID, &r.Generation, &r.Outcome, &r.Error,
			&r.DietMs, &r.FitnessMs, &r.DietBytes, &r.FitnessBytes,
			&started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = time.Unix(finished, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BySession returns all archived rounds for one session, oldest first.
func (s *Store) BySession(sessionID string) ([]Round, error) {
	rows, err := s.db.Query(`
		SELECT session_id, generation, outcome, error,
		       diet_ms, fitness_ms, diet_bytes, fitness_bytes,
		       started_at, finished_at
		FROM rounds
		WHERE session_id = ?
		ORDER BY generation ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		var started, finished int64
		if err := rows.Scan(
			&r.SessionID, &r.Generation, &r.Outcome, &r.Error,
			&r.DietMs, &r.FitnessMs, &r.DietBytes, &r.FitnessBytes,
			&started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = time.Unix(finished, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of archived rounds.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM rounds").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
