//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package state

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMission indicates a session was created or deserialized
	// without a user mission.
	ErrEmptyMission = errors.New("user mission must not be empty")

	// ErrInvalidPayload indicates a serialized session could not be
	// restored into a usable value.
	ErrInvalidPayload = errors.New("invalid session payload")

	// ErrInvalidFeedbackKind indicates an unknown feedback list was targeted.
	ErrInvalidFeedbackKind = errors.New("invalid feedback kind")
)

// InvalidTransitionError reports a phase change that is not in the
// transition table.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %q to %q", e.From, e.To)
}
