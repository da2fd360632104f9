//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package orchestrator

import (
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-studio-go/session"
)

// ErrSessionExpired reports an approve or reject against a session
// whose TTL has lapsed. The status flip to expired has already been
// persisted by the time this error surfaces.
var ErrSessionExpired = errors.New("session expired")

// ErrInvalidExport reports an export payload that cannot be imported:
// unreadable JSON, an unknown schema version or a missing state block.
var ErrInvalidExport = errors.New("invalid export payload")

// InvalidOperationError reports a human decision submitted against a
// session that is not waiting for one.
type InvalidOperationError struct {
	SessionID string
	Status    session.Status
}

// Error implements the error interface.
func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("session %s is not awaiting approval: status %s", e.SessionID, e.Status)
}

// Error wraps a failure from a façade operation with the operation
// name and, when known, the session it concerned.
type Error struct {
	Op        string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: session %s: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// opError wraps err unless it already is an *Error.
func opError(op, sessionID string, err error) error {
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return err
	}
	return &Error{Op: op, SessionID: sessionID, Err: err}
}
