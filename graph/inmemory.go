//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"sync"
)

// InMemorySaver keeps checkpoints in process memory. It is suitable for
// tests and for runs that do not need durability.
type InMemorySaver struct {
	mu sync.RWMutex
	// thread -> namespace -> checkpoint ID -> tuple.
	storage map[string]map[string]map[string]*CheckpointTuple
	// thread -> namespace -> checkpoint IDs in creation order.
	order map[string]map[string][]string
	// thread -> namespace -> checkpoint ID -> writes.
	writes map[string]map[string]map[string][]PendingWrite
}

// NewInMemorySaver creates an empty in-memory checkpoint saver.
func NewInMemorySaver() *InMemorySaver {
	return &InMemorySaver{
		storage: make(map[string]map[string]map[string]*CheckpointTuple),
		order:   make(map[string]map[string][]string),
		writes:  make(map[string]map[string]map[string][]PendingWrite),
	}
}

// Get retrieves a checkpoint by configuration.
func (s *InMemorySaver) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. When the
// config has no checkpoint ID the latest checkpoint of the thread is
// returned. A nil tuple with nil error means not found.
func (s *InMemorySaver) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(config)
	checkpointID := GetCheckpointID(config)

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.storage[threadID][namespace]
	if len(byID) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		ids := s.order[threadID][namespace]
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[len(ids)-1]
	}
	tuple, ok := byID[checkpointID]
	if !ok {
		return nil, nil
	}
	return s.tupleWithWrites(threadID, namespace, tuple), nil
}

// List returns the thread's checkpoints newest first, honoring the
// filter's Before, Metadata and Limit.
func (s *InMemorySaver) List(
	ctx context.Context,
	config map[string]any,
	filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(config)

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = GetCheckpointID(filter.Before)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[threadID][namespace]
	byID := s.storage[threadID][namespace]
	var tuples []*CheckpointTuple
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if beforeID != "" && id >= beforeID {
			continue
		}
		tuple, ok := byID[id]
		if !ok {
			continue
		}
		if filter != nil && !MetadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		tuples = append(tuples, s.tupleWithWrites(threadID, namespace, tuple))
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put stores a checkpoint and returns the config locating it. The parent
// checkpoint ID is taken from the request config.
func (s *InMemorySaver) Put(ctx context.Context, req PutRequest) (map[string]any, error) {
	if req.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	threadID := GetThreadID(req.Config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(req.Config)
	parentID := GetCheckpointID(req.Config)

	var parentConfig map[string]any
	if parentID != "" {
		parentConfig = CreateCheckpointConfig(threadID, parentID, namespace)
	}
	tuple := &CheckpointTuple{
		Config:       CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace),
		Checkpoint:   req.Checkpoint,
		Metadata:     req.Metadata,
		ParentConfig: parentConfig,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.storage[threadID] == nil {
		s.storage[threadID] = make(map[string]map[string]*CheckpointTuple)
		s.order[threadID] = make(map[string][]string)
	}
	if s.storage[threadID][namespace] == nil {
		s.storage[threadID][namespace] = make(map[string]*CheckpointTuple)
	}
	if _, exists := s.storage[threadID][namespace][req.Checkpoint.ID]; !exists {
		s.order[threadID][namespace] = append(s.order[threadID][namespace], req.Checkpoint.ID)
	}
	s.storage[threadID][namespace][req.Checkpoint.ID] = tuple
	return tuple.Config, nil
}

// PutWrites records channel writes for a checkpoint. Writes with a
// non-negative sequence are idempotent: the first write for a
// (task, sequence) pair wins. Negative sequences always overwrite.
func (s *InMemorySaver) PutWrites(ctx context.Context, req PutWritesRequest) error {
	threadID := GetThreadID(req.Config)
	checkpointID := GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return ErrThreadIDRequired
	}
	namespace := GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string]map[string][]PendingWrite)
	}
	if s.writes[threadID][namespace] == nil {
		s.writes[threadID][namespace] = make(map[string][]PendingWrite)
	}
	stored := s.writes[threadID][namespace][checkpointID]
	for _, w := range req.Writes {
		if w.TaskID == "" {
			w.TaskID = req.TaskID
		}
		idx := indexOfWrite(stored, w.TaskID, w.Sequence)
		switch {
		case idx < 0:
			stored = append(stored, w)
		case w.Sequence < 0:
			stored[idx] = w
		}
	}
	s.writes[threadID][namespace][checkpointID] = stored
	return nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *InMemorySaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, threadID)
	delete(s.order, threadID)
	delete(s.writes, threadID)
	return nil
}

// Close releases resources held by the saver.
func (s *InMemorySaver) Close() error {
	return nil
}

func (s *InMemorySaver) tupleWithWrites(threadID, namespace string, tuple *CheckpointTuple) *CheckpointTuple {
	out := *tuple
	if stored := s.writes[threadID][namespace][tuple.Checkpoint.ID]; len(stored) > 0 {
		writes := make([]PendingWrite, len(stored))
		copy(writes, stored)
		out.PendingWrites = writes
	}
	return &out
}

func indexOfWrite(writes []PendingWrite, taskID string, sequence int64) int {
	for i, w := range writes {
		if w.TaskID == taskID && w.Sequence == sequence {
			return i
		}
	}
	return -1
}
