//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "errors"

// Sentinel errors shared by the executor and the checkpoint savers.
var (
	// ErrThreadIDRequired is returned when an operation needs a thread ID
	// and none was supplied.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrCheckpointNotFound is returned when a thread has no checkpoint
	// matching the request.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointSaverRequired is returned when resume or time-travel
	// operations run on an executor without a checkpoint saver.
	ErrCheckpointSaverRequired = errors.New("checkpoint saver is required")
	// ErrMaxStepsExceeded is returned when a thread runs past the
	// executor's step budget, usually indicating a routing loop.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
)
