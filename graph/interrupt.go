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
	"errors"
	"fmt"
)

// InterruptError suspends a run after a node in the executor's
// interrupt-after set. The post-node state is checkpointed before the
// error is returned, so the thread can be inspected, edited with
// UpdateState and resumed with Execute(ctx, nil, threadID).
type InterruptError struct {
	// NodeID is the node after which execution paused.
	NodeID string
	// ThreadID identifies the suspended thread.
	ThreadID string
	// CheckpointID is the checkpoint committed before suspension. Empty
	// when the executor runs without a saver.
	CheckpointID string
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted after node %s", e.NodeID)
}

// IsInterrupt reports whether err is or wraps an InterruptError.
func IsInterrupt(err error) bool {
	var interrupt *InterruptError
	return errors.As(err, &interrupt)
}

// AsInterrupt extracts the InterruptError from err, if any.
func AsInterrupt(err error) (*InterruptError, bool) {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}
