//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package session stores session metadata and state snapshots in
// SQLite, separate from the workflow's checkpoint history. The store
// answers listing and status queries without touching checkpoints.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"trpc.group/trpc-go/trpc-studio-go/state"
)

// Status is the externally visible lifecycle of a session.
type Status string

// Session statuses.
const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusExpired          Status = "expired"
)

// ValidStatus reports whether s is a member of the status enum.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// StatusForPhase derives the status shown to operators from the
// pipeline phase. Both human-facing phases surface as awaiting
// approval.
func StatusForPhase(phase state.Phase) Status {
	switch phase {
	case state.PhaseComplete:
		return StatusCompleted
	case state.PhaseFailed:
		return StatusFailed
	case state.PhaseHumanGate, state.PhaseHumanHelp:
		return StatusAwaitingApproval
	default:
		return StatusRunning
	}
}

// ErrNotFound reports a session id absent from the store.
var ErrNotFound = errors.New("session not found")

// Info is the metadata row kept per session.
type Info struct {
	SessionID      string
	Mission        string
	ProjectName    string
	Status         Status
	CurrentPhase   state.Phase
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IterationCount int
	QAPassed       bool
	WorkDir        string
}

const (
	createSessions = `CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_mission TEXT NOT NULL,
	project_name TEXT NOT NULL,
	status TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	iteration_count INTEGER NOT NULL DEFAULT 0,
	qa_passed INTEGER NOT NULL DEFAULT 0,
	work_dir TEXT NOT NULL DEFAULT '',
	state_json BLOB
)`

	createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_sessions_status
	ON sessions (status)`

	createUpdatedIndex = `CREATE INDEX IF NOT EXISTS idx_sessions_updated
	ON sessions (updated_at)`

	// The COALESCE subselect preserves created_at across upserts.
	upsertSession = `INSERT OR REPLACE INTO sessions (
	session_id, user_mission, project_name, status, current_phase,
	created_at, updated_at, iteration_count, qa_passed, work_dir, state_json
) VALUES (?, ?, ?, ?, ?,
	COALESCE((SELECT created_at FROM sessions WHERE session_id = ?), ?),
	?, ?, ?, ?, ?)`

	selectColumns = `session_id, user_mission, project_name, status, current_phase,
	created_at, updated_at, iteration_count, qa_passed, work_dir`

	selectSession = `SELECT ` + selectColumns + ` FROM sessions WHERE session_id = ?`

	selectState = `SELECT state_json FROM sessions WHERE session_id = ?`

	updateStatusSQL = `UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`

	selectAll = `SELECT ` + selectColumns + ` FROM sessions
	ORDER BY updated_at DESC LIMIT ?`

	selectByStatus = `SELECT ` + selectColumns + ` FROM sessions
	WHERE status = ? ORDER BY updated_at DESC LIMIT ?`

	deleteSessionSQL = `DELETE FROM sessions WHERE session_id = ?`

	selectCountsSQL = `SELECT status, COUNT(*) FROM sessions GROUP BY status`

	markExpiredSQL = `UPDATE sessions SET status = ?
	WHERE updated_at < ? AND status NOT IN (?, ?)`

	selectExpiredSQL = `SELECT session_id FROM sessions WHERE updated_at < ? AND status = ?`

	deleteExpiredSQL = `DELETE FROM sessions WHERE updated_at < ? AND status = ?`
)

// defaultListLimit bounds List when the caller passes no limit.
const defaultListLimit = 100

// Open opens (creating if needed) a SQLite database at path, ensures
// the parent directory exists and applies the pragmas the store relies
// on.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}

// Store persists session rows. Safe for concurrent use; writers are
// serialized by a mutex so upserts stay atomic with respect to each
// other.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a store over the provided DB. The DB must use a
// SQLite driver; the constructor creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{createSessions, createStatusIndex, createUpdatedIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Save upserts the session row derived from the pipeline state: status
// comes from the current phase, the full state is kept as JSON, and
// created_at survives re-saves.
func (s *Store) Save(ctx context.Context, sessionID string, sess state.Session) error {
	if sessionID == "" {
		return errors.New("session id is empty")
	}
	stateJSON, err := state.Marshal(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixNano()
	qaPassed := 0
	if sess.QAPassed {
		qaPassed = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, upsertSession,
		sessionID, sess.UserMission, sess.ProjectName,
		string(StatusForPhase(sess.CurrentPhase)), string(sess.CurrentPhase),
		sessionID, now,
		now, sess.IterationCount, qaPassed, sess.WorkDir, stateJSON,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get returns the metadata row for one session.
func (s *Store) Get(ctx context.Context, sessionID string) (*Info, error) {
	row := s.db.QueryRowContext(ctx, selectSession, sessionID)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return info, nil
}

// GetState returns the full pipeline state for one session.
func (s *Store) GetState(ctx context.Context, sessionID string) (state.Session, error) {
	var stateJSON []byte
	err := s.db.QueryRowContext(ctx, selectState, sessionID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return state.Session{}, fmt.Errorf("select state: %w", err)
	}
	if len(stateJSON) == 0 {
		return state.Session{}, fmt.Errorf("%w: %s has no state", ErrNotFound, sessionID)
	}
	return state.Unmarshal(stateJSON)
}

// UpdateStatus overwrites the stored status without touching the state
// snapshot.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, updateStatusSQL,
		string(status), time.Now().UTC().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// List returns sessions most recently updated first. An empty status
// matches all; limit values below 1 fall back to the default.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Info, error) {
	if limit < 1 {
		limit = defaultListLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, selectAll, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectByStatus, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []*Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return infos, nil
}

// CountByStatus returns the number of sessions per status, covering the
// whole table regardless of any listing limit.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, selectCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter counts: %w", err)
	}
	return counts, nil
}

// Delete removes one session row. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, deleteSessionSQL, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}

// CleanupExpired marks sessions stale for longer than ttl as expired
// and deletes them, in one transaction. Completed sessions are never
// touched. Returns the IDs of the deleted sessions so callers can
// release resources keyed by session, such as checkpoint threads.
func (s *Store) CleanupExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, markExpiredSQL,
		string(StatusExpired), cutoff,
		string(StatusCompleted), string(StatusExpired),
	); err != nil {
		return nil, fmt.Errorf("mark expired: %w", err)
	}
	rows, err := tx.QueryContext(ctx, selectExpiredSQL, cutoff, string(StatusExpired))
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list expired: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, deleteExpiredSQL, cutoff, string(StatusExpired)); err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cleanup: %w", err)
	}
	return ids, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (*Info, error) {
	var (
		info                 Info
		status, phase        string
		createdAt, updatedAt int64
		qaPassed             int
	)
	if err := row.Scan(
		&info.SessionID, &info.Mission, &info.ProjectName, &status, &phase,
		&createdAt, &updatedAt, &info.IterationCount, &qaPassed, &info.WorkDir,
	); err != nil {
		return nil, err
	}
	info.Status = Status(status)
	info.CurrentPhase = state.Phase(phase)
	info.CreatedAt = time.Unix(0, createdAt).UTC()
	info.UpdatedAt = time.Unix(0, updatedAt).UTC()
	info.QAPassed = qaPassed != 0
	return &info, nil
}
