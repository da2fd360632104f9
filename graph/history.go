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
	"fmt"
	"sort"
	"time"
)

// CheckpointInfo identifies one checkpoint of a thread.
type CheckpointInfo struct {
	// CheckpointID is the checkpoint's unique ID.
	CheckpointID string
	// ParentCheckpointID is the ID of the parent checkpoint, if any.
	ParentCheckpointID string
	// Source is how the checkpoint was created.
	Source string
	// Step is the step number the checkpoint belongs to.
	Step int
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time
}

// StateSnapshot is a point-in-time view of a thread, suitable for
// inspection and human-in-the-loop decisions.
type StateSnapshot struct {
	CheckpointInfo
	// State is the restored state at the checkpoint.
	State State
	// NextNodes are the nodes that will run when the thread resumes.
	NextNodes []string
}

// GetState returns the latest snapshot of the thread.
func (e *Executor) GetState(ctx context.Context, threadID string) (*StateSnapshot, error) {
	if e.checkpointSaver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	tuple, err := e.latestTuple(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return e.snapshotFromTuple(tuple), nil
}

// History lists the thread's snapshots newest first. A non-positive
// limit returns the full history.
func (e *Executor) History(ctx context.Context, threadID string, limit int) ([]*StateSnapshot, error) {
	if e.checkpointSaver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	cfg := CreateCheckpointConfig(threadID, "", DefaultCheckpointNamespace)
	var filter *CheckpointFilter
	if limit > 0 {
		filter = &CheckpointFilter{Limit: limit}
	}
	tuples, err := e.checkpointSaver.List(ctx, cfg, filter)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	snapshots := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		snapshots = append(snapshots, e.snapshotFromTuple(tuple))
	}
	return snapshots, nil
}

// UpdateState forks the thread's latest checkpoint with values merged in
// through the schema reducers, acting as if node asNode had produced
// them: the node's outgoing edge is re-evaluated against the merged
// state to decide what runs next. The forked checkpoint is written with
// source "update" and returned.
//
// An empty asNode keeps the base checkpoint's next nodes.
func (e *Executor) UpdateState(ctx context.Context, threadID string, values State, asNode string) (string, error) {
	if e.checkpointSaver == nil {
		return "", ErrCheckpointSaverRequired
	}
	if asNode != "" {
		if _, ok := e.graph.Node(asNode); !ok {
			return "", fmt.Errorf("unknown node %q", asNode)
		}
	}
	tuple, err := e.latestTuple(ctx, threadID)
	if err != nil {
		return "", err
	}

	base := tuple.Checkpoint
	state := State{}
	for k, v := range base.ChannelValues {
		state[k] = deepCopyAny(v)
	}
	merged := e.graph.schema.ApplyUpdate(state, values)

	forked := base.Fork()
	forked.ChannelValues = stateToChannelValues(merged)
	for k := range values {
		forked.ChannelVersions[k] = nextVersion(forked.ChannelVersions[k])
	}
	if asNode != "" {
		next, err := e.graph.successor(ctx, merged, asNode)
		if err != nil {
			return "", fmt.Errorf("route after %s: %w", asNode, err)
		}
		if next == End {
			forked.NextNodes = nil
		} else {
			forked.NextNodes = []string{next}
		}
	}

	updatedKeys := make([]string, 0, len(values))
	for k := range values {
		updatedKeys = append(updatedKeys, k)
	}
	sort.Strings(updatedKeys)

	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	namespace := GetNamespace(tuple.Config)
	meta := NewCheckpointMetadata(CheckpointSourceUpdate, step)
	meta.Parents[namespace] = base.ID
	meta.Extra[CheckpointMetaKeyBaseCheckpointID] = base.ID
	meta.Extra[CheckpointMetaKeyUpdatedKeys] = updatedKeys

	cfg := CreateCheckpointConfig(threadID, base.ID, namespace)
	if _, err := e.checkpointSaver.Put(ctx, PutRequest{
		Config:      cfg,
		Checkpoint:  forked,
		Metadata:    meta,
		NewVersions: forked.ChannelVersions,
	}); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return forked.ID, nil
}

func (e *Executor) snapshotFromTuple(tuple *CheckpointTuple) *StateSnapshot {
	state := State{}
	for k, v := range tuple.Checkpoint.ChannelValues {
		state[k] = deepCopyAny(v)
	}
	info := CheckpointInfo{
		CheckpointID: tuple.Checkpoint.ID,
		Timestamp:    tuple.Checkpoint.Timestamp,
	}
	if tuple.Metadata != nil {
		info.Source = tuple.Metadata.Source
		info.Step = tuple.Metadata.Step
	}
	if tuple.ParentConfig != nil {
		info.ParentCheckpointID = GetCheckpointID(tuple.ParentConfig)
	}
	nextNodes := make([]string, len(tuple.Checkpoint.NextNodes))
	copy(nextNodes, tuple.Checkpoint.NextNodes)
	return &StateSnapshot{
		CheckpointInfo: info,
		State:          state,
		NextNodes:      nextNodes,
	}
}
