//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package identity

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the manager.
var (
	// ErrUnknownProfile reports a profile name outside pm/arch/eng/qa.
	ErrUnknownProfile = errors.New("unknown agent profile")
	// ErrMissingCredential reports an api_key profile with no key in the
	// settings document or any fallback environment variable.
	ErrMissingCredential = errors.New("missing credential")
)

// UsageLimitError reports a run blocked by a profile's hard daily cap.
type UsageLimitError struct {
	Profile string
	Usage   int
	Limit   int
	Unit    string
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("%s usage limit exceeded (%d/%d %s).", e.Profile, e.Usage, e.Limit, e.Unit)
}
