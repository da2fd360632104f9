//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package subagent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-studio-go/identity"
)

// writeScript drops an executable shell script standing in for the CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type stubEnv struct {
	recorded []string
	warning  string
	usageErr error
	loadErr  error
	extraEnv []string
}

func (s *stubEnv) Load(profile string) (identity.ProfileConfig, error) {
	if s.loadErr != nil {
		return identity.ProfileConfig{}, s.loadErr
	}
	return identity.ProfileConfig{Profile: profile}, nil
}

func (s *stubEnv) Inject(cfg identity.ProfileConfig, sessionID string) ([]string, error) {
	return append(os.Environ(), s.extraEnv...), nil
}

func (s *stubEnv) RecordUsage(profile string, units int) (string, error) {
	if s.usageErr != nil {
		return "", s.usageErr
	}
	s.recorded = append(s.recorded, profile)
	return s.warning, nil
}

func TestNewBinaryOverrideWins(t *testing.T) {
	script := writeScript(t, "exit 0")
	t.Setenv(BinaryEnv, "/nonexistent/claude")

	d, err := New(WithBinary(script))
	require.NoError(t, err)
	assert.Equal(t, script, d.Binary())
}

func TestNewBinaryFromEnv(t *testing.T) {
	script := writeScript(t, "exit 0")
	t.Setenv(BinaryEnv, script)

	d, err := New()
	require.NoError(t, err)
	assert.Equal(t, script, d.Binary())
}

func TestNewBinaryNotFound(t *testing.T) {
	t.Setenv(BinaryEnv, "")
	t.Setenv("PATH", t.TempDir())

	_, err := New()
	require.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestRunSuccessHarvestsArtifacts(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, "docs", "PRD.md"), []byte("# PRD"), 0o644))

	script := writeScript(t, strings.Join([]string{
		`echo "Created: docs/PRD.md"`,
		`echo "Created: docs/PRD.md"`,
		`echo "Wrote: docs/missing.md"`,
	}, "\n"))
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{
		Profile: "pm",
		Prompt:  "write the PRD",
		WorkDir: workDir,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	// Announced twice, existing once: one artifact. The missing file is
	// dropped.
	assert.Equal(t, []string{filepath.Join(workDir, "docs", "PRD.md")},
		res.ArtifactsCreated)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunArrowPatternAndAbsolutePaths(t *testing.T) {
	workDir := t.TempDir()
	abs := filepath.Join(workDir, "main.py")
	require.NoError(t, os.WriteFile(abs, []byte("print()"), 0o644))

	script := writeScript(t, `echo "→ `+abs+`"`)
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{Profile: "eng", Prompt: "p", WorkDir: workDir})
	require.NoError(t, err)
	assert.Equal(t, []string{abs}, res.ArtifactsCreated)
}

func TestRunFailureExitCode(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2`+"\nexit 3")
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{
		Profile: "qa",
		Prompt:  "p",
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, `echo "partial"`+"\nsleep 5")
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	start := time.Now()
	res, err := d.Run(context.Background(), Request{
		Profile: "eng",
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "Execution timed out after")
	assert.Less(t, time.Since(start), 3*time.Second)
	// Output produced before the kill is kept.
	assert.Contains(t, res.Stdout, "partial")
	assert.Empty(t, res.ArtifactsCreated)
}

func TestRunCommandFlags(t *testing.T) {
	workDir := t.TempDir()
	contextFile := filepath.Join(workDir, "notes.md")
	require.NoError(t, os.WriteFile(contextFile, []byte("ctx"), 0o644))

	script := writeScript(t, "exit 0")
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{
		Profile:     "arch",
		Prompt:      "design it",
		WorkDir:     workDir,
		ContextFile: contextFile,
	})
	require.NoError(t, err)
	for _, flag := range []string{
		"-p", "--dangerously-skip-permissions", "--verbose", "--cwd", "--context-file",
	} {
		assert.Contains(t, res.Command, flag)
	}
}

func TestRunVerboseOff(t *testing.T) {
	script := writeScript(t, "exit 0")
	d, err := New(WithBinary(script), WithVerbose(false))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{Profile: "pm", Prompt: "p", WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotContains(t, res.Command, "--verbose")
}

func TestRunMissingContextFile(t *testing.T) {
	workDir := t.TempDir()
	marker := filepath.Join(workDir, "ran")
	script := writeScript(t, "touch "+marker)
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{
		Profile:     "arch",
		Prompt:      "p",
		WorkDir:     workDir,
		ContextFile: filepath.Join(workDir, "does-not-exist.md"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "context file not found")
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "process must not have been spawned")
}

func TestRunInjectsManagedEnv(t *testing.T) {
	env := &stubEnv{extraEnv: []string{"STUDIO_PROBE=from-identity"}}
	script := writeScript(t, `printf "probe=%s\n" "$STUDIO_PROBE"`)
	d, err := New(WithBinary(script), WithEnvManager(env))
	require.NoError(t, err)

	res, err := d.Run(context.Background(), Request{
		Profile: "pm",
		Prompt:  "p",
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "probe=from-identity")
	assert.Equal(t, []string{"pm"}, env.recorded)
}

func TestRunHardLimitBlocksSpawn(t *testing.T) {
	limitErr := &identity.UsageLimitError{Profile: "eng", Usage: 5, Limit: 5, Unit: "runs"}
	env := &stubEnv{usageErr: limitErr}
	workDir := t.TempDir()
	marker := filepath.Join(workDir, "ran")
	script := writeScript(t, "touch "+marker)
	d, err := New(WithBinary(script), WithEnvManager(env))
	require.NoError(t, err)

	_, err = d.Run(context.Background(), Request{Profile: "eng", Prompt: "p", WorkDir: workDir})
	var gotLimit *identity.UsageLimitError
	require.ErrorAs(t, err, &gotLimit)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunMissingCredentialPropagates(t *testing.T) {
	env := &stubEnv{loadErr: identity.ErrMissingCredential}
	script := writeScript(t, "exit 0")
	d, err := New(WithBinary(script), WithEnvManager(env))
	require.NoError(t, err)

	_, err = d.Run(context.Background(), Request{Profile: "pm", Prompt: "p", WorkDir: t.TempDir()})
	require.ErrorIs(t, err, identity.ErrMissingCredential)
}

func TestRunWritesExecutionTrail(t *testing.T) {
	workDir := t.TempDir()
	script := writeScript(t, "exit 0")
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	_, err = d.Run(context.Background(), Request{Profile: "pm", Prompt: "p", WorkDir: workDir})
	require.NoError(t, err)

	for _, name := range []string{"agent_pm.log", WrapperLogName} {
		data, err := os.ReadFile(filepath.Join(workDir, LogDirName, name))
		require.NoError(t, err, "log %s", name)
		assert.Contains(t, string(data), "Executing command")
		assert.Contains(t, string(data), "Execution completed")
	}
}

func TestRunCanceledContext(t *testing.T) {
	script := writeScript(t, "sleep 5")
	d, err := New(WithBinary(script))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = d.Run(ctx, Request{Profile: "pm", Prompt: "p", WorkDir: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEstimateTokens(t *testing.T) {
	res := &Result{Stdout: strings.Repeat("x", 80)}
	in, out := res.EstimateTokens()
	assert.Equal(t, 20, out)
	assert.Equal(t, 10, in)

	empty := &Result{}
	in, out = empty.EstimateTokens()
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestResultOutputCombines(t *testing.T) {
	res := &Result{Stdout: "out", Stderr: "err"}
	assert.Equal(t, "out\nSTDERR:\nerr", res.Output())

	onlyErr := &Result{Stderr: "err"}
	assert.Equal(t, "STDERR:\nerr", onlyErr.Output())
}

func TestNewCapsTimeout(t *testing.T) {
	script := writeScript(t, "exit 0")
	d, err := New(WithBinary(script), WithTimeout(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, MaxTimeout, d.timeout)
}
