//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package subagent

import "errors"

// ErrBinaryNotFound reports that no claude CLI binary could be resolved
// from the override, the CLAUDE_BINARY variable or the PATH.
var ErrBinaryNotFound = errors.New(
	"claude CLI not found: install claude-code or set CLAUDE_BINARY")
