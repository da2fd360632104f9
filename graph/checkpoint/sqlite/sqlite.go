//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed CheckpointSaver. Checkpoints
// and their pending writes are stored as type-tagged blobs so a thread
// survives process restarts.
package sqlite

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

	"trpc.group/trpc-go/trpc-studio-go/graph"
)

const (
	createCheckpoints = `CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	checkpoint_type TEXT NOT NULL,
	checkpoint_blob BLOB NOT NULL,
	metadata_type TEXT NOT NULL,
	metadata_blob BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
)`

	createCheckpointsIndex = `CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
	ON checkpoints (thread_id, checkpoint_ns, created_at)`

	createWrites = `CREATE TABLE IF NOT EXISTS writes (
	thread_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	write_idx INTEGER NOT NULL,
	channel TEXT NOT NULL,
	value_type TEXT NOT NULL,
	value_blob BLOB NOT NULL,
	task_path TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx)
)`

	insertCheckpoint = `INSERT OR REPLACE INTO checkpoints (
	thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id,
	checkpoint_type, checkpoint_blob, metadata_type, metadata_blob, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectLatest = `SELECT checkpoint_id, parent_checkpoint_id,
	checkpoint_type, checkpoint_blob, metadata_type, metadata_blob
	FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?
	ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`

	selectByID = `SELECT checkpoint_id, parent_checkpoint_id,
	checkpoint_type, checkpoint_blob, metadata_type, metadata_blob
	FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1`

	selectIDsDesc = `SELECT checkpoint_id FROM checkpoints
	WHERE thread_id = ? AND checkpoint_ns = ?
	ORDER BY created_at DESC, checkpoint_id DESC`

	insertWriteKeep = `INSERT OR IGNORE INTO writes (
	thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx,
	channel, value_type, value_blob, task_path
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertWriteReplace = `INSERT OR REPLACE INTO writes (
	thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx,
	channel, value_type, value_blob, task_path
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectWrites = `SELECT task_id, write_idx, channel, value_type, value_blob
	FROM writes WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
	ORDER BY task_id, write_idx`

	deleteThreadCheckpoints = `DELETE FROM checkpoints WHERE thread_id = ?`
	deleteThreadWrites      = `DELETE FROM writes WHERE thread_id = ?`
)

// Open opens (creating if needed) a SQLite database at path, ensures the
// parent directory exists and applies the pragmas the saver relies on.
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

// Saver is a SQLite-backed implementation of graph.CheckpointSaver. It
// expects an initialized *sql.DB and creates the required schema.
type Saver struct {
	db    *sql.DB
	serde graph.JSONSerializer
	// mu serializes writers so INSERT OR REPLACE upserts stay atomic
	// with respect to each other.
	mu sync.Mutex
}

// NewSaver creates a saver over the provided DB. The DB must use a
// SQLite driver; the constructor creates tables if needed.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{createCheckpoints, createCheckpointsIndex, createWrites} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Saver{db: db}, nil
}

// Get returns the checkpoint for the given config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple returns the checkpoint tuple for the given config. Without a
// checkpoint ID the thread's latest checkpoint is returned. A nil tuple
// with nil error means not found.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, selectLatest, threadID, namespace)
	} else {
		row = s.db.QueryRowContext(ctx, selectByID, threadID, namespace, checkpointID)
	}

	var (
		foundID, checkpointType, metadataType string
		parentID                              sql.NullString
		checkpointBlob, metadataBlob          []byte
	)
	if err := row.Scan(&foundID, &parentID, &checkpointType, &checkpointBlob, &metadataType, &metadataBlob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}

	var ckpt graph.Checkpoint
	if err := s.serde.Unmarshal(checkpointType, checkpointBlob, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := s.serde.Unmarshal(metadataType, metadataBlob, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, threadID, namespace, foundID)
	if err != nil {
		return nil, err
	}
	var parentConfig map[string]any
	if parentID.Valid && parentID.String != "" {
		parentConfig = graph.CreateCheckpointConfig(threadID, parentID.String, namespace)
	}
	return &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, foundID, namespace),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		ParentConfig:  parentConfig,
		PendingWrites: writes,
	}, nil
}

// List returns the thread's checkpoints newest first, honoring the
// filter's Before (strict upper bound on checkpoint ID), Metadata and
// Limit.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}

	rows, err := s.db.QueryContext(ctx, selectIDsDesc, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}

	var tuples []*graph.CheckpointTuple
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, id, namespace))
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}
		if filter != nil && !graph.MetadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put stores the checkpoint and returns the config locating it. Storing
// the same checkpoint ID again replaces the previous row.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(req.Config)
	parentID := graph.GetCheckpointID(req.Config)

	checkpointType, checkpointBlob, err := s.serde.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	meta := req.Metadata
	if meta == nil {
		meta = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataType, metadataBlob, err := s.serde.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	createdAt := req.Checkpoint.Timestamp.UnixNano()
	if req.Checkpoint.Timestamp.IsZero() {
		createdAt = time.Now().UTC().UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, insertCheckpoint,
		threadID, namespace, req.Checkpoint.ID, parentID,
		checkpointType, checkpointBlob, metadataType, metadataBlob, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// PutWrites records channel writes for a checkpoint. Writes with a
// non-negative sequence are inserted once and kept (first write wins);
// negative sequences are replaced on every call.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range req.Writes {
		taskID := w.TaskID
		if taskID == "" {
			taskID = req.TaskID
		}
		valueType, valueBlob, err := s.serde.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		stmt := insertWriteKeep
		if w.Sequence < 0 {
			stmt = insertWriteReplace
		}
		if _, err := s.db.ExecContext(ctx, stmt,
			threadID, namespace, checkpointID, taskID, w.Sequence,
			w.Channel, valueType, valueBlob, req.TaskPath,
		); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// DeleteThread removes the thread's checkpoints and writes in one
// transaction.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, deleteThreadCheckpoints, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Saver) loadWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var (
			taskID, channel, valueType string
			writeIdx                   int64
			valueBlob                  []byte
		)
		if err := rows.Scan(&taskID, &writeIdx, &channel, &valueType, &valueBlob); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := s.serde.Unmarshal(valueType, valueBlob, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:   taskID,
			Channel:  channel,
			Value:    value,
			Sequence: writeIdx,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}
