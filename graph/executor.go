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
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

const defaultMaxSteps = 100

// Executor runs a compiled graph one node at a time. When a checkpoint
// saver is configured every step is committed before the executor moves
// on, so a crashed or interrupted thread resumes from its last completed
// node.
type Executor struct {
	graph           *Graph
	checkpointSaver CheckpointSaver
	interruptAfter  map[string]struct{}
	maxSteps        int
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// CheckpointSaver persists checkpoints. Nil disables durability.
	CheckpointSaver CheckpointSaver
	// InterruptAfter lists nodes after which execution suspends.
	InterruptAfter []string
	// MaxSteps bounds the total steps of a thread (default: 100).
	MaxSteps int
}

// WithCheckpointSaver sets the checkpoint saver used by the executor.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithInterruptAfter suspends execution after any of the given nodes,
// returning the post-node state together with an *InterruptError.
func WithInterruptAfter(nodes ...string) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.InterruptAfter = append(opts.InterruptAfter, nodes...)
	}
}

// WithMaxSteps sets the step budget for a thread.
func WithMaxSteps(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = n
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	if err := graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := ExecutorOptions{MaxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = defaultMaxSteps
	}
	interruptAfter := make(map[string]struct{}, len(options.InterruptAfter))
	for _, id := range options.InterruptAfter {
		if _, ok := graph.Node(id); !ok {
			return nil, fmt.Errorf("interrupt-after node %s not found", id)
		}
		interruptAfter[id] = struct{}{}
	}
	return &Executor{
		graph:           graph,
		checkpointSaver: options.CheckpointSaver,
		interruptAfter:  interruptAfter,
		maxSteps:        options.MaxSteps,
	}, nil
}

// Graph returns the compiled graph the executor runs.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// run carries the mutable execution context of one thread.
type run struct {
	threadID string
	state    State
	versions map[string]any
	seen     map[string]map[string]any
	// parentID is the checkpoint the next Put links back to.
	parentID string
	step     int
	current  string
}

// Execute runs the graph for the given thread.
//
// A non-nil input starts a fresh run from the entry point: the input is
// merged over the schema defaults and committed as an input-sourced
// checkpoint before the first node executes. A nil input resumes the
// thread from its latest checkpoint.
//
// The returned state is the state at the point the run stopped: End
// reached, interrupt-after suspension (the error is an *InterruptError)
// or failure.
func (e *Executor) Execute(ctx context.Context, input State, threadID string) (State, error) {
	if e.checkpointSaver != nil && threadID == "" {
		return nil, ErrThreadIDRequired
	}
	if input == nil {
		return e.resume(ctx, threadID)
	}
	state := e.graph.schema.ApplyDefaults(State{})
	state = e.graph.schema.ApplyUpdate(state, input)
	r := &run{
		threadID: threadID,
		state:    state,
		versions: make(map[string]any),
		seen:     make(map[string]map[string]any),
		current:  e.graph.entryPoint,
	}
	for k := range input {
		r.versions[k] = nextVersion(nil)
	}
	if e.checkpointSaver != nil {
		if _, err := e.persist(ctx, r, CheckpointSourceInput, -1, []string{r.current}); err != nil {
			return nil, err
		}
	}
	return e.runLoop(ctx, r)
}

func (e *Executor) resume(ctx context.Context, threadID string) (State, error) {
	if e.checkpointSaver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	tuple, err := e.latestTuple(ctx, threadID)
	if err != nil {
		return nil, err
	}
	r := e.restoreRun(tuple, threadID)
	if len(tuple.Checkpoint.NextNodes) == 0 {
		// The run already finished; nothing left to execute.
		return r.state, nil
	}
	r.current = tuple.Checkpoint.NextNodes[0]
	return e.runLoop(ctx, r)
}

func (e *Executor) runLoop(ctx context.Context, r *run) (State, error) {
	for r.current != End {
		if err := ctx.Err(); err != nil {
			return r.state, err
		}
		if r.step >= e.maxSteps {
			return r.state, fmt.Errorf("thread %s at step %d: %w", r.threadID, r.step, ErrMaxStepsExceeded)
		}
		node, ok := e.graph.Node(r.current)
		if !ok {
			return r.state, fmt.Errorf("node %s not found", r.current)
		}
		update, err := e.executeNode(ctx, node, r)
		if err != nil {
			return r.state, err
		}
		next, err := e.graph.successor(ctx, r.state, r.current)
		if err != nil {
			return r.state, fmt.Errorf("route after %s: %w", r.current, err)
		}
		var nextNodes []string
		if next != End {
			nextNodes = []string{next}
		}
		checkpointID, err := e.saveStep(ctx, r, nextNodes, update)
		if err != nil {
			return r.state, err
		}
		if _, hit := e.interruptAfter[r.current]; hit {
			return r.state, &InterruptError{
				NodeID:       r.current,
				ThreadID:     r.threadID,
				CheckpointID: checkpointID,
			}
		}
		r.current = next
		r.step++
	}
	return r.state, nil
}

func (e *Executor) executeNode(ctx context.Context, node *Node, r *run) (State, error) {
	r.seen[node.ID] = copyVersionMap(r.versions)
	if node.Function == nil {
		return nil, nil
	}
	delta, err := node.Function(ctx, r.state)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	if delta == nil {
		return nil, nil
	}
	update, err := toState(delta)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	r.state = e.graph.schema.ApplyUpdate(r.state, update)
	for k := range update {
		r.versions[k] = nextVersion(r.versions[k])
	}
	return update, nil
}

// saveStep commits the post-node checkpoint plus one pending write per
// updated channel, and returns the new checkpoint ID.
func (e *Executor) saveStep(ctx context.Context, r *run, nextNodes []string, update State) (string, error) {
	if e.checkpointSaver == nil {
		return "", nil
	}
	checkpointID, err := e.persist(ctx, r, CheckpointSourceLoop, r.step, nextNodes)
	if err != nil {
		return "", err
	}
	if len(update) > 0 {
		if err := e.savePendingWrites(ctx, r.threadID, checkpointID, update); err != nil {
			return "", err
		}
	}
	return checkpointID, nil
}

func (e *Executor) persist(ctx context.Context, r *run, source string, step int, nextNodes []string) (string, error) {
	ckpt := NewCheckpoint(
		stateToChannelValues(r.state),
		copyVersionMap(r.versions),
		copySeen(r.seen),
	)
	ckpt.NextNodes = nextNodes
	meta := NewCheckpointMetadata(source, step)
	if r.parentID != "" {
		meta.Parents[DefaultCheckpointNamespace] = r.parentID
	}
	cfg := CreateCheckpointConfig(r.threadID, r.parentID, DefaultCheckpointNamespace)
	if _, err := e.checkpointSaver.Put(ctx, PutRequest{
		Config:      cfg,
		Checkpoint:  ckpt,
		Metadata:    meta,
		NewVersions: ckpt.ChannelVersions,
	}); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	r.parentID = ckpt.ID
	return ckpt.ID, nil
}

func (e *Executor) savePendingWrites(ctx context.Context, threadID, checkpointID string, update State) error {
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	taskID := uuid.New().String()
	writes := make([]PendingWrite, 0, len(keys))
	for i, k := range keys {
		writes = append(writes, PendingWrite{
			TaskID:   taskID,
			Channel:  k,
			Value:    deepCopyAny(update[k]),
			Sequence: int64(i),
		})
	}
	cfg := CreateCheckpointConfig(threadID, checkpointID, DefaultCheckpointNamespace)
	if err := e.checkpointSaver.PutWrites(ctx, PutWritesRequest{
		Config: cfg,
		Writes: writes,
		TaskID: taskID,
	}); err != nil {
		return fmt.Errorf("save pending writes: %w", err)
	}
	return nil
}

func (e *Executor) latestTuple(ctx context.Context, threadID string) (*CheckpointTuple, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	cfg := CreateCheckpointConfig(threadID, "", DefaultCheckpointNamespace)
	tuple, err := e.checkpointSaver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrCheckpointNotFound)
	}
	return tuple, nil
}

func (e *Executor) restoreRun(tuple *CheckpointTuple, threadID string) *run {
	state := State{}
	for k, v := range tuple.Checkpoint.ChannelValues {
		state[k] = deepCopyAny(v)
	}
	state = e.graph.schema.ApplyDefaults(state)
	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step + 1
	}
	return &run{
		threadID: threadID,
		state:    state,
		versions: copyVersionMap(tuple.Checkpoint.ChannelVersions),
		seen:     copySeen(tuple.Checkpoint.VersionsSeen),
		parentID: tuple.Checkpoint.ID,
		step:     step,
	}
}

func toState(delta any) (State, error) {
	switch d := delta.(type) {
	case State:
		return d, nil
	case map[string]any:
		return State(d), nil
	default:
		return nil, fmt.Errorf("unsupported delta type %T", delta)
	}
}

func stateToChannelValues(state State) map[string]any {
	values := make(map[string]any, len(state))
	for k, v := range state {
		values[k] = deepCopyAny(v)
	}
	return values
}

func copyVersionMap(versions map[string]any) map[string]any {
	out := make(map[string]any, len(versions))
	for k, v := range versions {
		out[k] = v
	}
	return out
}

func copySeen(seen map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(seen))
	for node, versions := range seen {
		out[node] = copyVersionMap(versions)
	}
	return out
}

// nextVersion bumps a channel version. Versions round-trip through JSON
// as float64, so both integer widths and floats are accepted.
func nextVersion(v any) any {
	switch version := v.(type) {
	case nil:
		return int64(1)
	case int:
		return int64(version) + 1
	case int64:
		return version + 1
	case float64:
		return int64(version) + 1
	default:
		return int64(1)
	}
}
