//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package subagent drives the claude CLI as a headless subprocess, one
// run per pipeline phase. It injects the per-profile environment,
// enforces a wall-clock timeout, harvests created artifacts from the
// output and appends an execution trail under the session's log dir.
package subagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-studio-go/identity"
	"trpc.group/trpc-go/trpc-studio-go/log"
)

// Timeout bounds for one CLI run.
const (
	// DefaultTimeout applies when neither the driver nor the request
	// sets one.
	DefaultTimeout = 300 * time.Second
	// MaxTimeout is the hard cap no configuration can exceed.
	MaxTimeout = 600 * time.Second
)

// BinaryEnv names the environment variable that overrides binary
// discovery.
const BinaryEnv = "CLAUDE_BINARY"

// Execution trail layout under a work dir. WrapperLogName is the
// shared trail beside the per-profile agent_<profile>.log files.
const (
	LogDirName     = "logs"
	WrapperLogName = "wrapper_execution.log"
)

// binaryNames are tried in order during PATH discovery.
var binaryNames = []string{"claude", "claude-code"}

// artifactPatterns match the file paths the CLI announces on stdout.
var artifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(?:Created|Wrote|Generated|Saved):\s*([^\s]+\.(?:py|js|ts|md|json|yaml|yml|txt))`),
	regexp.MustCompile(`(?m)(?:File created|Writing to):\s*([^\s]+)`),
	regexp.MustCompile(`(?m)→\s*([^\s]+\.(?:py|js|ts|md|json|yaml|yml|txt))`),
}

// EnvManager is what the driver needs from the identity layer. The
// concrete implementation is identity.Manager.
type EnvManager interface {
	Load(profile string) (identity.ProfileConfig, error)
	Inject(cfg identity.ProfileConfig, sessionID string) ([]string, error)
	RecordUsage(profile string, units int) (string, error)
}

// Request describes one headless CLI run.
type Request struct {
	// Profile selects the identity the process runs under.
	Profile string
	// Prompt is passed verbatim through -p.
	Prompt string
	// WorkDir is the directory the process runs in; defaults to the
	// current directory.
	WorkDir string
	// Timeout overrides the driver timeout for this run.
	Timeout time.Duration
	// ContextFile, when set, must exist and is passed through
	// --context-file.
	ContextFile string
}

// Result is the outcome of one CLI run.
type Result struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	Duration         time.Duration
	ArtifactsCreated []string
	Command          string
}

// Output returns stdout and stderr combined the way the execution trail
// records them.
func (r *Result) Output() string {
	parts := make([]string, 0, 2)
	if r.Stdout != "" {
		parts = append(parts, r.Stdout)
	}
	if r.Stderr != "" {
		parts = append(parts, "STDERR:\n"+r.Stderr)
	}
	return strings.Join(parts, "\n")
}

// EstimateTokens approximates token counts from output length; the CLI
// reports none in headless mode. Roughly four characters per output
// token, with input assumed at half the output.
func (r *Result) EstimateTokens() (input, output int) {
	output = len(r.Output()) / 4
	input = output / 2
	return input, output
}

// Driver runs the claude CLI. Safe for concurrent use; each Run spawns
// an independent process.
type Driver struct {
	binary  string
	timeout time.Duration
	verbose bool
	env     EnvManager
	logDir  string
}

// Option configures a Driver.
type Option func(*Driver)

// WithBinary pins the CLI binary path, skipping discovery.
func WithBinary(path string) Option {
	return func(d *Driver) { d.binary = path }
}

// WithTimeout sets the default per-run timeout. Values above MaxTimeout
// are capped.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// WithVerbose toggles the CLI --verbose flag. On by default.
func WithVerbose(verbose bool) Option {
	return func(d *Driver) { d.verbose = verbose }
}

// WithEnvManager wires the identity layer. Without one, runs inherit
// the parent environment and no usage is recorded.
func WithEnvManager(env EnvManager) Option {
	return func(d *Driver) { d.env = env }
}

// WithLogDir pins the execution trail directory. Without one, logs go
// to <workDir>/logs.
func WithLogDir(dir string) Option {
	return func(d *Driver) { d.logDir = dir }
}

// New builds a driver and resolves the CLI binary eagerly: an explicit
// override wins, then CLAUDE_BINARY, then a PATH lookup over the known
// names. No binary anywhere fails with ErrBinaryNotFound.
func New(opts ...Option) (*Driver, error) {
	d := &Driver{timeout: DefaultTimeout, verbose: true}
	for _, opt := range opts {
		opt(d)
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.timeout > MaxTimeout {
		d.timeout = MaxTimeout
	}
	if d.binary == "" {
		d.binary = os.Getenv(BinaryEnv)
	}
	if d.binary == "" {
		for _, name := range binaryNames {
			if path, err := exec.LookPath(name); err == nil {
				d.binary = path
				break
			}
		}
	}
	if d.binary == "" {
		return nil, ErrBinaryNotFound
	}
	return d, nil
}

// Binary returns the resolved CLI binary path.
func (d *Driver) Binary() string {
	return d.binary
}

// Run executes one headless CLI invocation. Agent-side failures (bad
// exit code, timeout, unwritable work dir) come back inside the Result;
// the error return is reserved for the caller's own problems: a blocked
// usage budget, a missing credential, a missing context file target or
// a canceled context.
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir %q: %w", req.WorkDir, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	logDir := d.logDir
	if logDir == "" {
		logDir = filepath.Join(workDir, LogDirName)
	}

	var env []string
	if d.env != nil {
		warning, err := d.env.RecordUsage(req.Profile, 1)
		if err != nil {
			return nil, err
		}
		if warning != "" {
			log.Warnf("subagent %s: %s", req.Profile, warning)
			logLine(logDir, req.Profile, "WARNING", warning)
		}
		cfg, err := d.env.Load(req.Profile)
		if err != nil {
			return nil, err
		}
		env, err = d.env.Inject(cfg, "")
		if err != nil {
			return nil, err
		}
	}

	if req.ContextFile != "" {
		if _, err := os.Stat(req.ContextFile); err != nil {
			logLine(logDir, req.Profile, "ERROR", "context file not found: "+req.ContextFile)
			return &Result{
				Success:  false,
				ExitCode: 1,
				Stderr:   fmt.Sprintf("context file not found: %s", req.ContextFile),
			}, nil
		}
	}

	args := []string{"-p", req.Prompt, "--dangerously-skip-permissions"}
	if d.verbose {
		args = append(args, "--verbose")
	}
	args = append(args, "--cwd", workDir)
	if req.ContextFile != "" {
		args = append(args, "--context-file", req.ContextFile)
	}
	command := d.binary + " " + strings.Join(args, " ")

	logLine(logDir, req.Profile, "INFO",
		fmt.Sprintf("Executing command: %s (cwd=%s)", command, workDir))
	log.Debugf("subagent %s: executing %s", req.Profile, d.binary)

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 — binary and flags are assembled by us.
	cmd := exec.CommandContext(timeoutCtx, d.binary, args...)
	cmd.Dir = workDir
	if env != nil {
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		Command:  command,
	}
	switch {
	case timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.ExitCode = -1
		res.Stderr += fmt.Sprintf("\nExecution timed out after %d seconds", int(timeout.Seconds()))
		logLine(logDir, req.Profile, "ERROR",
			fmt.Sprintf("Execution timed out after %d seconds", int(timeout.Seconds())))
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runErr == nil:
		res.Success = true
		res.ArtifactsCreated = parseArtifacts(res.Stdout, workDir)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.ArtifactsCreated = parseArtifacts(res.Stdout, workDir)
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = runErr.Error()
			}
		}
	}

	logLine(logDir, req.Profile, "INFO", fmt.Sprintf(
		"Execution completed: success=%t, exit_code=%d, time=%.2fs",
		res.Success, res.ExitCode, duration.Seconds()))
	return res, nil
}

// parseArtifacts collects announced file paths that actually exist,
// resolved against the work dir, deduplicated in announcement order.
func parseArtifacts(output, workDir string) []string {
	seen := make(map[string]struct{})
	var artifacts []string
	for _, pattern := range artifactPatterns {
		for _, match := range pattern.FindAllStringSubmatch(output, -1) {
			p := match[1]
			if !filepath.IsAbs(p) {
				p = filepath.Join(workDir, p)
			}
			p = filepath.Clean(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			artifacts = append(artifacts, p)
		}
	}
	return artifacts
}

// logLine appends one formatted line to the per-profile agent log and
// the shared wrapper log under dir. Trail failures never block a run.
func logLine(dir, profile, level, msg string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debugf("subagent: create log dir %s: %v", dir, err)
		return
	}
	line := fmt.Sprintf("%s - %s - %s - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), profile, level, msg)
	appendFile(filepath.Join(dir, fmt.Sprintf("agent_%s.log", profile)), line)
	appendFile(filepath.Join(dir, WrapperLogName), line)
}

func appendFile(path, line string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Debugf("subagent: open %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		log.Debugf("subagent: write %s: %v", path, err)
	}
}
