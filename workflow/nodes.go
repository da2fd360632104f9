//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-studio-go/graph"
	"trpc.group/trpc-go/trpc-studio-go/identity"
	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/state"
	"trpc.group/trpc-go/trpc-studio-go/subagent"
)

// Driver runs one sub-agent invocation. Satisfied by *subagent.Driver;
// tests substitute stubs.
type Driver interface {
	Run(ctx context.Context, req subagent.Request) (*subagent.Result, error)
}

// Per-profile wall-clock budgets for a single sub-agent run. The
// engineer gets the largest share since implementation dominates.
var defaultTimeouts = map[string]time.Duration{
	identity.ProfilePM:   180 * time.Second,
	identity.ProfileArch: 300 * time.Second,
	identity.ProfileEng:  600 * time.Second,
	identity.ProfileQA:   300 * time.Second,
}

// Nodes carries the handlers' shared dependencies. One Nodes value
// serves all sessions; handlers keep no per-run state.
type Nodes struct {
	driver   Driver
	timeouts map[string]time.Duration
}

// NodesOption customizes a Nodes value.
type NodesOption func(*Nodes)

// WithProfileTimeout overrides the run budget for one identity profile.
func WithProfileTimeout(profile string, d time.Duration) NodesOption {
	return func(n *Nodes) {
		n.timeouts[profile] = d
	}
}

// NewNodes builds the handler set around a sub-agent driver.
func NewNodes(driver Driver, opts ...NodesOption) *Nodes {
	n := &Nodes{
		driver:   driver,
		timeouts: make(map[string]time.Duration, len(defaultTimeouts)),
	}
	for profile, d := range defaultTimeouts {
		n.timeouts[profile] = d
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Nodes) timeout(profile string) time.Duration {
	if d, ok := n.timeouts[profile]; ok {
		return d
	}
	return 300 * time.Second
}

func (n *Nodes) run(ctx context.Context, profile, prompt string, sess state.Session) (*subagent.Result, error) {
	return n.driver.Run(ctx, subagent.Request{
		Profile: profile,
		Prompt:  prompt,
		WorkDir: sess.WorkDir,
		Timeout: n.timeout(profile),
	})
}

// pm turns the mission into a product requirements document. On
// success the session moves to the architecture phase with path_prd
// recorded; any agent failure yields a valid failed session instead of
// a handler error.
func (n *Nodes) pm(ctx context.Context, gs graph.State) (any, error) {
	sess, err := state.FromMap(gs)
	if err != nil {
		return nil, fmt.Errorf("pm node: %w", err)
	}
	if sess.CurrentPhase == state.PhaseFailed {
		return nil, nil
	}
	log.Infof("PM drafting requirements for session %s", sess.SessionID)
	if err := os.MkdirAll(filepath.Join(sess.WorkDir, docsDir), 0o755); err != nil {
		return failState(sess, identity.ProfilePM, nil, fmt.Sprintf("create docs dir: %v", err), nil)
	}
	res, runErr := n.run(ctx, identity.ProfilePM, pmPrompt(sess), sess)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failState(sess, identity.ProfilePM, nil, runErr.Error(), nil)
	}
	if !res.Success {
		return failState(sess, identity.ProfilePM, res, failureMessage("PRD generation", res), nil)
	}
	prdPath, ok := locateArtifact(sess.WorkDir, PRDPath, res.ArtifactsCreated)
	if !ok {
		return failState(sess, identity.ProfilePM, res, "PRD file was not created by the agent", nil)
	}
	sess = state.LogExecution(sess, identity.ProfilePM, completedResult(res))
	sess, err = state.Update(sess, map[string]any{
		KeyPathPRD:      prdPath,
		KeyCurrentPhase: state.PhaseArch,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("PM done for session %s, PRD at %s", sess.SessionID, prdPath)
	return state.ToMap(sess)
}

// architect turns the PRD into a technical specification and an
// optional scaffold script. The PRD is a hard prerequisite.
func (n *Nodes) architect(ctx context.Context, gs graph.State) (any, error) {
	sess, err := state.FromMap(gs)
	if err != nil {
		return nil, fmt.Errorf("architect node: %w", err)
	}
	if sess.CurrentPhase == state.PhaseFailed {
		return nil, nil
	}
	if sess.PathPRD == "" || !fileExists(sess.PathPRD) {
		return failState(sess, identity.ProfileArch, nil, "missing required artifact: prd", nil)
	}
	log.Infof("Architect designing session %s from %s", sess.SessionID, sess.PathPRD)
	if err := os.MkdirAll(filepath.Join(sess.WorkDir, docsDir), 0o755); err != nil {
		return failState(sess, identity.ProfileArch, nil, fmt.Sprintf("create docs dir: %v", err), nil)
	}
	prd := readFileOr(sess.PathPRD, "[PRD not available]")
	res, runErr := n.run(ctx, identity.ProfileArch, architectPrompt(sess, prd), sess)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failState(sess, identity.ProfileArch, nil, runErr.Error(), nil)
	}
	if !res.Success {
		return failState(sess, identity.ProfileArch, res, failureMessage("technical specification", res), nil)
	}
	specPath, ok := locateArtifact(sess.WorkDir, TechSpecPath, res.ArtifactsCreated)
	if !ok {
		return failState(sess, identity.ProfileArch, res, "technical specification was not created by the agent", nil)
	}
	patch := map[string]any{
		KeyPathTechSpec: specPath,
		KeyCurrentPhase: state.PhaseHumanGate,
	}
	if scaffold, ok := locateArtifact(sess.WorkDir, ScaffoldPath, res.ArtifactsCreated); ok {
		patch[KeyPathScaffoldScript] = scaffold
	} else {
		log.Warnf("No scaffold script produced for session %s", sess.SessionID)
	}
	sess = state.LogExecution(sess, identity.ProfileArch, completedResult(res))
	sess, err = state.Update(sess, patch)
	if err != nil {
		return nil, err
	}
	log.Infof("Architect done for session %s, spec at %s", sess.SessionID, specPath)
	return state.ToMap(sess)
}

// humanGate is the interrupt site. The node changes nothing; the
// executor suspends right after it and the orchestrator later writes
// the reviewer's decision into the decision channels.
func (n *Nodes) humanGate(_ context.Context, gs graph.State) (any, error) {
	log.Infof("Session %s reached the human gate, awaiting review", sessionIDOf(gs))
	return nil, nil
}

// engineer implements the technical specification, honoring its rules
// of engagement. On repair iterations the latest bug report is folded
// into the prompt.
func (n *Nodes) engineer(ctx context.Context, gs graph.State) (any, error) {
	sess, err := state.FromMap(gs)
	if err != nil {
		return nil, fmt.Errorf("engineer node: %w", err)
	}
	if sess.CurrentPhase == state.PhaseFailed {
		return nil, nil
	}
	if sess.PathTechSpec == "" || !fileExists(sess.PathTechSpec) {
		return failState(sess, identity.ProfileEng, nil, "missing required artifact: tech_spec", nil)
	}
	log.Infof("Engineer implementing session %s (iteration %d/%d)",
		sess.SessionID, sess.IterationCount, sess.MaxIterations)
	spec := readFileOr(sess.PathTechSpec, "[technical specification not available]")
	rules := rulesFrom(sess.PathTechSpec)
	res, runErr := n.run(ctx, identity.ProfileEng, engineerPrompt(sess, spec, rules), sess)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failState(sess, identity.ProfileEng, nil, runErr.Error(), nil)
	}
	if !res.Success {
		return failState(sess, identity.ProfileEng, res, failureMessage("implementation", res), nil)
	}
	sess = state.LogExecution(sess, identity.ProfileEng, completedResult(res))
	sess, err = state.Update(sess, map[string]any{KeyCurrentPhase: state.PhaseQA})
	if err != nil {
		return nil, err
	}
	log.Infof("Engineer done for session %s, %d files touched", sess.SessionID, len(res.ArtifactsCreated))
	return state.ToMap(sess)
}

// qa runs the test pass and folds the verdict into the session. A green
// run completes the pipeline. A red run stays in the qa phase, spends
// one iteration and files a bug report for the next engineering pass;
// the router decides whether the budget allows that pass.
func (n *Nodes) qa(ctx context.Context, gs graph.State) (any, error) {
	sess, err := state.FromMap(gs)
	if err != nil {
		return nil, fmt.Errorf("qa node: %w", err)
	}
	if sess.CurrentPhase == state.PhaseFailed {
		return nil, nil
	}
	log.Infof("QA testing session %s (iteration %d/%d)", sess.SessionID, sess.IterationCount, sess.MaxIterations)
	if err := os.MkdirAll(filepath.Join(sess.WorkDir, reportsDir), 0o755); err != nil {
		return failState(sess, identity.ProfileQA, nil, fmt.Sprintf("create reports dir: %v", err),
			map[string]any{KeyQAPassed: false})
	}
	criteria := criteriaFrom(sess.PathPRD)
	res, runErr := n.run(ctx, identity.ProfileQA, qaPrompt(sess, criteria), sess)
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failState(sess, identity.ProfileQA, nil, runErr.Error(), map[string]any{KeyQAPassed: false})
	}
	if !res.Success {
		return failState(sess, identity.ProfileQA, res, failureMessage("QA run", res),
			map[string]any{KeyQAPassed: false})
	}
	summary := ParseTestSummary(res.Stdout, sess.WorkDir)
	sess = state.LogExecution(sess, identity.ProfileQA, completedResult(res))
	if summary.AllPassed() {
		sess, err = state.Update(sess, map[string]any{
			KeyQAPassed:     true,
			KeyCurrentPhase: state.PhaseComplete,
		})
		if err != nil {
			return nil, err
		}
		log.Infof("QA passed for session %s: %d/%d tests green", sess.SessionID, summary.Passed, summary.Total)
		return state.ToMap(sess)
	}
	patch := map[string]any{
		KeyQAPassed:       false,
		KeyIterationCount: sess.IterationCount + 1,
	}
	if reportPath, reportErr := writeBugReport(sess.WorkDir, sess.ProjectName, summary); reportErr != nil {
		log.Warnf("Bug report not written for session %s: %v", sess.SessionID, reportErr)
	} else {
		patch[KeyPathBugReport] = reportPath
		patch[KeyFilesCreated] = append(append([]string(nil), sess.FilesCreated...), reportPath)
	}
	sess, err = state.Update(sess, patch)
	if err != nil {
		return nil, err
	}
	log.Warnf("QA failed for session %s: %d failed, %d errors (iteration now %d/%d)",
		sess.SessionID, summary.Failed, summary.Errors, sess.IterationCount, sess.MaxIterations)
	return state.ToMap(sess)
}

// humanHelp marks the session as stuck after the repair budget is
// spent. The transition is validated; this node is only reachable from
// the qa phase.
func (n *Nodes) humanHelp(_ context.Context, gs graph.State) (any, error) {
	sess, err := state.FromMap(gs)
	if err != nil {
		return nil, fmt.Errorf("human_help node: %w", err)
	}
	log.Warnf("Session %s spent its %d-iteration budget without passing QA, needs a human",
		sess.SessionID, sess.MaxIterations)
	sess, err = state.Transition(sess, state.PhaseHumanHelp, true)
	if err != nil {
		return nil, fmt.Errorf("human_help node: %w", err)
	}
	return state.ToMap(sess)
}

// failState folds an agent failure into a terminal failed session.
// Failures are contained here: the graph keeps running to its end and
// callers observe a valid failed state rather than a handler error.
func failState(sess state.Session, profile string, res *subagent.Result, msg string, extra map[string]any) (any, error) {
	log.Errorf("%s failed for session %s: %s", profile, sess.SessionID, msg)
	rec := state.ExecutionResult{Status: state.ExecStatusFailed, Error: msg}
	if res != nil {
		in, out := res.EstimateTokens()
		rec.DurationSeconds = res.Duration.Seconds()
		rec.TokensInput = in
		rec.TokensOutput = out
		rec.ArtifactsCreated = res.ArtifactsCreated
	}
	sess = state.LogExecution(sess, profile, rec)
	patch := map[string]any{KeyCurrentPhase: state.PhaseFailed}
	for k, v := range extra {
		patch[k] = v
	}
	sess, err := state.Update(sess, patch)
	if err != nil {
		return nil, err
	}
	return state.ToMap(sess)
}

func completedResult(res *subagent.Result) state.ExecutionResult {
	in, out := res.EstimateTokens()
	return state.ExecutionResult{
		Status:           state.ExecStatusCompleted,
		DurationSeconds:  res.Duration.Seconds(),
		TokensInput:      in,
		TokensOutput:     out,
		ArtifactsCreated: res.ArtifactsCreated,
	}
}

// failureMessage folds the captured output of a red run into one line.
func failureMessage(what string, res *subagent.Result) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s failed with exit code %d", what, res.ExitCode)
	}
	return fmt.Sprintf("%s failed: %s", what, msg)
}

// locateArtifact resolves the expected artifact below workDir, falling
// back to any harvested artifact that shares its basename.
func locateArtifact(workDir, rel string, artifacts []string) (string, bool) {
	path := filepath.Join(workDir, rel)
	if fileExists(path) {
		return path, true
	}
	base := filepath.Base(rel)
	for _, a := range artifacts {
		if strings.EqualFold(filepath.Base(a), base) && fileExists(a) {
			return a, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readFileOr(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return fallback
	}
	return string(data)
}
