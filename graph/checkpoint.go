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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// CheckpointSourceInput marks the checkpoint written for the initial input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint written after a node step.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceUpdate marks a checkpoint written by UpdateState.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceFork marks a checkpoint copied from another one.
	CheckpointSourceFork = "fork"

	// DefaultCheckpointNamespace is the namespace used when none is given.
	DefaultCheckpointNamespace = ""

	// SerdeTypeJSON tags values encoded with JSONSerializer.
	SerdeTypeJSON = "json"
)

// Checkpoint is a snapshot of graph state at a specific point in time.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues contains the state values at checkpoint time.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions contains the per-channel write versions.
	ChannelVersions map[string]any `json:"channel_versions"`
	// VersionsSeen tracks which channel versions each node has seen.
	VersionsSeen map[string]map[string]any `json:"versions_seen"`
	// NextNodes lists the nodes to execute when the thread resumes.
	// Empty means the run finished.
	NextNodes []string `json:"next_nodes,omitempty"`
}

// CheckpointMetadata carries bookkeeping about a checkpoint.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created: input, loop,
	// update or fork.
	Source string `json:"source"`
	// Step is the step number (-1 for input, 0+ for loop steps).
	Step int `json:"step"`
	// Parents maps checkpoint namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	// Extra holds additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple wraps a checkpoint with its configuration and metadata.
type CheckpointTuple struct {
	// Config locates this checkpoint (thread, namespace, checkpoint ID).
	Config map[string]any `json:"config"`
	// Checkpoint is the actual checkpoint data.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata describes how and when the checkpoint was created.
	Metadata *CheckpointMetadata `json:"metadata"`
	// ParentConfig locates the parent checkpoint, if any.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// PendingWrites are the channel writes recorded for this checkpoint.
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite is one channel write produced by a node task.
type PendingWrite struct {
	// TaskID identifies the node execution that produced the write.
	TaskID string `json:"task_id"`
	// Channel is the state field written to.
	Channel string `json:"channel"`
	// Value is the written value.
	Value any `json:"value"`
	// Sequence orders writes within a task. Negative sequences are
	// special writes that may be overwritten.
	Sequence int64 `json:"seq"`
}

// PutRequest bundles the arguments of CheckpointSaver.Put.
type PutRequest struct {
	// Config carries the thread, namespace and parent checkpoint ID.
	Config map[string]any
	// Checkpoint is the checkpoint to store.
	Checkpoint *Checkpoint
	// Metadata is the checkpoint metadata to store.
	Metadata *CheckpointMetadata
	// NewVersions are the channel versions introduced by this checkpoint.
	NewVersions map[string]any
}

// PutWritesRequest bundles the arguments of CheckpointSaver.PutWrites.
type PutWritesRequest struct {
	// Config locates the checkpoint the writes belong to.
	Config map[string]any
	// Writes are the channel writes to record.
	Writes []PendingWrite
	// TaskID identifies the producing task.
	TaskID string
	// TaskPath optionally records the task's position in the graph.
	TaskPath string
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints created before this config's
	// checkpoint ID.
	Before map[string]any
	// Limit is the maximum number of checkpoints to return.
	Limit int
	// Metadata filters checkpoints by metadata fields. All entries must
	// match.
	Metadata map[string]any
}

// CheckpointSaver is the storage interface for checkpoints. Savers must
// be safe for concurrent use.
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration. A nil
	// tuple with a nil error means not found.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List retrieves checkpoints for a thread, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config locating it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites records channel writes for a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// DeleteThread removes all checkpoints and writes for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// NewCheckpoint creates a checkpoint with a fresh ID and timestamp.
func NewCheckpoint(
	channelValues map[string]any,
	channelVersions map[string]any,
	versionsSeen map[string]map[string]any,
) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]any)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]any)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// NewCheckpointMetadata creates metadata for a checkpoint.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// Fork returns a deep copy of the checkpoint under a new ID and a fresh
// timestamp. The copy starts from the same channel values, versions and
// next nodes.
func (c *Checkpoint) Fork() *Checkpoint {
	if c == nil {
		return nil
	}
	channelValues := make(map[string]any, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		channelValues[k] = deepCopyAny(v)
	}
	channelVersions := make(map[string]any, len(c.ChannelVersions))
	for k, v := range c.ChannelVersions {
		channelVersions[k] = v
	}
	versionsSeen := make(map[string]map[string]any, len(c.VersionsSeen))
	for node, seen := range c.VersionsSeen {
		versionsSeen[node] = make(map[string]any, len(seen))
		for k, v := range seen {
			versionsSeen[node][k] = v
		}
	}
	nextNodes := make([]string, len(c.NextNodes))
	copy(nextNodes, c.NextNodes)
	return &Checkpoint{
		Version:         c.Version,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
		NextNodes:       nextNodes,
	}
}

// GetCheckpointID extracts the checkpoint ID from a configuration.
func GetCheckpointID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if checkpointID, ok := configurable[CfgKeyCheckpointID].(string); ok {
			return checkpointID
		}
	}
	return ""
}

// GetThreadID extracts the thread ID from a configuration.
func GetThreadID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if threadID, ok := configurable[CfgKeyThreadID].(string); ok {
			return threadID
		}
	}
	return ""
}

// GetNamespace extracts the checkpoint namespace from a configuration.
func GetNamespace(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if namespace, ok := configurable[CfgKeyCheckpointNS].(string); ok {
			return namespace
		}
	}
	return DefaultCheckpointNamespace
}

// CreateCheckpointConfig builds a checkpoint configuration map.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{
		CfgKeyThreadID: threadID,
	}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	if namespace != "" {
		configurable[CfgKeyCheckpointNS] = namespace
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// MetadataMatches reports whether the checkpoint metadata satisfies every
// entry of the filter. The keys "source" and "step" match the metadata
// fields of the same name; any other key matches against Extra.
func MetadataMatches(meta *CheckpointMetadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for key, want := range filter {
		switch key {
		case "source":
			if meta.Source != fmt.Sprintf("%v", want) {
				return false
			}
		case "step":
			if !numbersEqual(meta.Step, want) {
				return false
			}
		default:
			if meta.Extra == nil || fmt.Sprintf("%v", meta.Extra[key]) != fmt.Sprintf("%v", want) {
				return false
			}
		}
	}
	return true
}

func numbersEqual(have int, want any) bool {
	switch w := want.(type) {
	case int:
		return have == w
	case int64:
		return int64(have) == w
	case float64:
		return float64(have) == w
	default:
		return false
	}
}

// JSONSerializer encodes checkpoint payloads as type-tagged JSON. Savers
// persist the (type, bytes) pair so future formats can coexist.
type JSONSerializer struct{}

// Marshal encodes v and returns the serde type tag with the bytes.
func (JSONSerializer) Marshal(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return SerdeTypeJSON, data, nil
}

// Unmarshal decodes data tagged with typeTag into v.
func (JSONSerializer) Unmarshal(typeTag string, data []byte, v any) error {
	if typeTag != SerdeTypeJSON {
		return fmt.Errorf("unsupported serde type %q", typeTag)
	}
	return json.Unmarshal(data, v)
}
