//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys, used under config["configurable"].
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
)

// Checkpoint metadata extra keys written by UpdateState.
const (
	CheckpointMetaKeyBaseCheckpointID = "base_checkpoint_id"
	CheckpointMetaKeyUpdatedKeys      = "updated_keys"
)
