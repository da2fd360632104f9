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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-studio-go/graph"
	"trpc.group/trpc-go/trpc-studio-go/identity"
	"trpc.group/trpc-go/trpc-studio-go/session"
	"trpc.group/trpc-go/trpc-studio-go/state"
	"trpc.group/trpc-go/trpc-studio-go/subagent"
	"trpc.group/trpc-go/trpc-studio-go/workflow"
)

const testMission = "Build a task app"

const prdFixture = `# PRD

## User Stories

- As a user I can add a task

## Acceptance Criteria

- Given a task, when added, then it is listed
`

const techSpecFixture = `# Tech Spec

## Architecture Overview

Single module.

## Rules of Engagement

- No global state
`

const greenVerdict = `TEST_RESULTS_START
{"total": 2, "passed": 2, "failed": 0, "errors": 0, "failures": []}
TEST_RESULTS_END`

const redVerdict = `TEST_RESULTS_START
{"total": 2, "passed": 1, "failed": 1, "errors": 0, "failures": [{"test": "test_list", "criterion": "added tasks are listed", "error": "assert tasks == [task]", "trace": "app.py:12"}]}
TEST_RESULTS_END`

// scriptedDriver plays all four personas, writing real artifacts into
// the request's work dir. QA verdicts are consumed in script order;
// after the script every further QA run is green.
type scriptedDriver struct {
	mu         sync.Mutex
	counts     map[string]int
	qaVerdicts []string
	qaRuns     int
}

func newScriptedDriver(qaVerdicts ...string) *scriptedDriver {
	return &scriptedDriver{counts: make(map[string]int), qaVerdicts: qaVerdicts}
}

func (d *scriptedDriver) Run(_ context.Context, req subagent.Request) (*subagent.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[req.Profile]++
	write := func(rel, content string) (string, error) {
		path := filepath.Join(req.WorkDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, os.WriteFile(path, []byte(content), 0o644)
	}
	switch req.Profile {
	case identity.ProfilePM:
		path, err := write(workflow.PRDPath, prdFixture)
		if err != nil {
			return nil, err
		}
		return &subagent.Result{Success: true, ArtifactsCreated: []string{path}}, nil
	case identity.ProfileArch:
		spec, err := write(workflow.TechSpecPath, techSpecFixture)
		if err != nil {
			return nil, err
		}
		return &subagent.Result{Success: true, ArtifactsCreated: []string{spec}}, nil
	case identity.ProfileEng:
		return &subagent.Result{Success: true, Stdout: "implemented"}, nil
	case identity.ProfileQA:
		verdict := greenVerdict
		if d.qaRuns < len(d.qaVerdicts) {
			verdict = d.qaVerdicts[d.qaRuns]
		}
		d.qaRuns++
		return &subagent.Result{Success: true, Stdout: verdict}, nil
	default:
		return nil, fmt.Errorf("unknown profile %q", req.Profile)
	}
}

func (d *scriptedDriver) count(profile string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[profile]
}

// failingDriver reports every run as an agent-side failure.
type failingDriver struct{}

func (failingDriver) Run(_ context.Context, _ subagent.Request) (*subagent.Result, error) {
	return &subagent.Result{Success: false, ExitCode: 2, Stderr: "pm exploded"}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DBPath:      filepath.Join(dir, "orchestrator.db"),
		WorkDirBase: filepath.Join(dir, "projects"),
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, driver workflow.Driver) *Orchestrator {
	t.Helper()
	orch, err := New(cfg, WithDriver(driver))
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	return orch
}

// checkpointTuple fetches the latest checkpoint of a thread, nil when
// the thread has none.
func checkpointTuple(t *testing.T, orch *Orchestrator, threadID string) *graph.CheckpointTuple {
	t.Helper()
	tuple, err := orch.saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig(threadID, "", ""))
	require.NoError(t, err)
	return tuple
}

func TestStartNewSessionPausesAtTheGate(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver()
	orch := newTestOrchestrator(t, testConfig(t), driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := orch.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, info.Status)
	assert.Equal(t, state.PhaseHumanGate, info.CurrentPhase)
	assert.Equal(t, testMission, info.Mission)
	assert.Equal(t, "build_a_task", info.ProjectName)
	assert.False(t, info.QAPassed)
	assert.Zero(t, info.IterationCount)

	assert.Equal(t, 1, driver.count(identity.ProfilePM))
	assert.Equal(t, 1, driver.count(identity.ProfileArch))
	assert.Zero(t, driver.count(identity.ProfileEng))

	// The per-session work dir exists and carries the artifacts.
	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.DirExists(t, sess.WorkDir)
	assert.FileExists(t, filepath.Join(sess.WorkDir, workflow.PRDPath))
}

func TestApproveRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver()
	orch := newTestOrchestrator(t, testConfig(t), driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
	assert.True(t, info.QAPassed)
	assert.Zero(t, info.IterationCount)
	assert.Equal(t, int64(1), orch.approvals.Load())

	assert.Equal(t, 1, driver.count(identity.ProfileEng))
	assert.Equal(t, 1, driver.count(identity.ProfileQA))

	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, sess.CurrentPhase)
	assert.Empty(t, sess.Errors)
}

func TestRejectRerunsArchitectThenCompletes(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver()
	orch := newTestOrchestrator(t, testConfig(t), driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.RejectAndIterate(ctx, id, "Need an OAuth flow", state.RejectToArchitect)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, info.Status)
	assert.Equal(t, 2, driver.count(identity.ProfileArch))
	assert.Equal(t, 1, driver.count(identity.ProfilePM))
	assert.Equal(t, int64(1), orch.rejections.Load())

	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Need an OAuth flow"}, sess.ArchitecturalFeedback)
	assert.Empty(t, sess.PRDFeedback)

	info, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
	assert.True(t, info.QAPassed)
	assert.Zero(t, info.IterationCount)
}

func TestRejectToPMRestartsThePipeline(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver()
	orch := newTestOrchestrator(t, testConfig(t), driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.RejectAndIterate(ctx, id, "Wrong audience entirely", state.RejectToPM)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, info.Status)
	assert.Equal(t, 2, driver.count(identity.ProfilePM))
	assert.Equal(t, 2, driver.count(identity.ProfileArch))

	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Wrong audience entirely"}, sess.PRDFeedback)

	_, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
}

func TestRepairLoopRecovers(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver(redVerdict)
	cfg := testConfig(t)
	cfg.MaxIterations = 5
	orch := newTestOrchestrator(t, cfg, driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
	assert.True(t, info.QAPassed)
	assert.Equal(t, 1, info.IterationCount)
	assert.Equal(t, 2, driver.count(identity.ProfileEng))
	assert.Equal(t, 2, driver.count(identity.ProfileQA))

	artifacts, err := orch.GetArtifacts(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, artifacts["bug_report"])
	assert.FileExists(t, artifacts["bug_report"])
}

func TestEscalatesWhenIterationBudgetSpent(t *testing.T) {
	ctx := context.Background()
	driver := newScriptedDriver(redVerdict, redVerdict, redVerdict)
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	orch := newTestOrchestrator(t, cfg, driver)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, info.Status)
	assert.Equal(t, state.PhaseHumanHelp, info.CurrentPhase)
	assert.False(t, info.QAPassed)
	assert.Equal(t, 2, info.IterationCount)
	assert.Equal(t, 2, driver.count(identity.ProfileEng))
	assert.Equal(t, 2, driver.count(identity.ProfileQA))
}

func TestCrashResumeAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := newScriptedDriver()
	orchA, err := New(cfg, WithDriver(first))
	require.NoError(t, err)
	id, err := orchA.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	statusA, err := orchA.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	require.NoError(t, orchA.Close())

	// A fresh instance over the same databases sees the same session
	// and resumes it from the committed checkpoint.
	second := newScriptedDriver()
	orchB := newTestOrchestrator(t, cfg, second)

	statusB, err := orchB.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, statusA.Status, statusB.Status)

	info, err := orchB.ApproveAndContinue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
	assert.True(t, info.QAPassed)
	assert.Zero(t, info.IterationCount)

	// Nothing before the gate re-ran.
	assert.Zero(t, second.count(identity.ProfilePM))
	assert.Zero(t, second.count(identity.ProfileArch))
	assert.Equal(t, 1, second.count(identity.ProfileEng))
	assert.Equal(t, 1, second.count(identity.ProfileQA))
}

func TestAgentFailureLandsInFailedStatus(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), failingDriver{})

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, info.Status)

	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Errors)
	assert.Contains(t, sess.Errors[0], "pm exploded")

	_, err = orch.ApproveAndContinue(ctx, id)
	var invalidOp *InvalidOperationError
	require.ErrorAs(t, err, &invalidOp)
	assert.Equal(t, session.StatusFailed, invalidOp.Status)
}

func TestDecisionsRequireAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)

	// The session is completed now, neither decision applies.
	_, err = orch.ApproveAndContinue(ctx, id)
	var invalidOp *InvalidOperationError
	require.ErrorAs(t, err, &invalidOp)
	assert.Equal(t, id, invalidOp.SessionID)
	assert.Equal(t, session.StatusCompleted, invalidOp.Status)

	_, err = orch.RejectAndIterate(ctx, id, "too late", "")
	require.ErrorAs(t, err, &invalidOp)

	_, err = orch.ApproveAndContinue(ctx, "no-such-session")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestStartRejectsEmptyMission(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	_, err := orch.StartNewSession(ctx, "   ", "")
	require.ErrorIs(t, err, state.ErrEmptyMission)
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "start session", opErr.Op)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SessionTTL = time.Nanosecond
	orch := newTestOrchestrator(t, cfg, newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	info, err := orch.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, info.Status)

	// The flip is persisted, not just reported.
	stored, err := orch.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, stored.Status)

	_, err = orch.ApproveAndContinue(ctx, id)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestCompletedSessionsNeverExpire(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	orch := newTestOrchestrator(t, cfg, newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)

	orch.cfg.SessionTTL = time.Nanosecond
	info, err := orch.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
}

func TestCleanupRemovesExpiredSessionsAndThreads(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	orchA, err := New(cfg, WithDriver(newScriptedDriver()))
	require.NoError(t, err)
	stale, err := orchA.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	done, err := orchA.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orchA.ApproveAndContinue(ctx, done)
	require.NoError(t, err)
	require.NoError(t, orchA.Close())

	fast := cfg
	fast.SessionTTL = time.Nanosecond
	orchB := newTestOrchestrator(t, fast, newScriptedDriver())

	removed, err := orchB.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = orchB.store.Get(ctx, stale)
	require.ErrorIs(t, err, session.ErrNotFound)
	info, err := orchB.store.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)

	// The stale thread's checkpoints went with it; the completed
	// session keeps its history.
	assert.Nil(t, checkpointTuple(t, orchB, stale))
	assert.NotNil(t, checkpointTuple(t, orchB, done))

	// Nothing left to clean.
	removed, err = orchB.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDeleteSessionRemovesRowAndThread(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	require.NotNil(t, checkpointTuple(t, orch, id))

	deleted, err := orch.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = orch.store.Get(ctx, id)
	require.ErrorIs(t, err, session.ErrNotFound)
	assert.Nil(t, checkpointTuple(t, orch, id))

	deleted, err = orch.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMetricsCountersAndExposition(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	first, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, first)
	require.NoError(t, err)

	second, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.RejectAndIterate(ctx, second, "tighten the spec", "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, second)
	require.NoError(t, err)

	// Two approvals plus one rejection were submitted.
	assert.Equal(t, int64(2), orch.approvals.Load())
	assert.Equal(t, int64(1), orch.rejections.Load())

	text, err := orch.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "orchestrator_sessions_total 2")
	assert.Contains(t, text, `orchestrator_sessions_by_status{status="completed"} 2`)
	assert.Contains(t, text, "orchestrator_approvals_total 2")
	assert.Contains(t, text, "orchestrator_rejections_total 1")
	assert.Contains(t, text, "# TYPE orchestrator_sessions_total gauge")
	assert.Contains(t, text, "# TYPE orchestrator_approvals_total counter")
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "exports", "session.json")
	require.NoError(t, orch.ExportSession(ctx, id, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, ExportVersion, envelope["version"])
	_, err = time.Parse(time.RFC3339, envelope["exported_at"].(string))
	require.NoError(t, err)
	summary := envelope["session_info"].(map[string]any)
	assert.Equal(t, id, summary["session_id"])
	assert.Equal(t, string(session.StatusCompleted), summary["status"])

	deleted, err := orch.DeleteSession(ctx, id)
	require.NoError(t, err)
	require.True(t, deleted)

	imported, err := orch.ImportSession(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, id, imported)

	info, err := orch.GetSessionStatus(ctx, imported)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, info.Status)
	sess, err := orch.store.GetState(ctx, imported)
	require.NoError(t, err)
	assert.Equal(t, testMission, sess.UserMission)
	assert.True(t, sess.QAPassed)
}

func TestImportRejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())
	dir := t.TempDir()

	_, err := orch.ImportSession(ctx, filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"version": "1.0"`},
		{"unknown version", `{"version": "2.0", "state": {"user_mission": "m"}}`},
		{"missing state", `{"version": "1.0"}`},
		{"missing mission", `{"version": "1.0", "state": {"session_id": "x"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tc.name, " ", "_")+".json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))
			_, err := orch.ImportSession(ctx, path)
			require.ErrorIs(t, err, ErrInvalidExport)
		})
	}
}

func TestImportGeneratesIDWhenStateHasNone(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	path := filepath.Join(t.TempDir(), "export.json")
	body := `{"version": "1.0", "state": {"user_mission": "Build a task app", "current_phase": "pm"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	id, err := orch.ImportSession(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	sess, err := orch.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.SessionID)
}

func TestGetArtifacts(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, id)
	require.NoError(t, err)

	artifacts, err := orch.GetArtifacts(ctx, id)
	require.NoError(t, err)
	assert.FileExists(t, artifacts["prd"])
	assert.FileExists(t, artifacts["tech_spec"])
	assert.Empty(t, artifacts["scaffold"])
	assert.Empty(t, artifacts["bug_report"])
	assert.DirExists(t, artifacts["work_dir"])

	_, err = orch.GetArtifacts(ctx, "no-such-session")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestGetRecentLogsFormatsExecutionLog(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)

	logs, err := orch.GetRecentLogs(ctx, id, 0)
	require.NoError(t, err)
	lines := strings.Split(logs, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "| pm | completed |")
	assert.Contains(t, lines[1], "| arch | completed |")

	tail, err := orch.GetRecentLogs(ctx, id, 1)
	require.NoError(t, err)
	assert.NotContains(t, tail, "| pm |")
	assert.Contains(t, tail, "| arch |")

	_, err = orch.GetRecentLogs(ctx, "no-such-session", 0)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestGetRecentLogsFallsBackToDiskLogs(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())
	workDir := t.TempDir()

	sess, err := state.NewSession("Tail my logs", "tail", workDir, 0)
	require.NoError(t, err)
	sess.SessionID = "logless"
	require.NoError(t, orch.store.Save(ctx, sess.SessionID, sess))

	// No execution log and no log files yet.
	logs, err := orch.GetRecentLogs(ctx, sess.SessionID, 5)
	require.NoError(t, err)
	assert.Empty(t, logs)

	logDir := filepath.Join(workDir, subagent.LogDirName)
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, subagent.WrapperLogName),
		[]byte("w1\nw2\nw3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "agent_pm.log"),
		[]byte("p1\np2\n"), 0o644))

	logs, err = orch.GetRecentLogs(ctx, sess.SessionID, 2)
	require.NoError(t, err)
	wrapperAt := strings.Index(logs, "--- "+subagent.WrapperLogName+" ---")
	agentAt := strings.Index(logs, "--- agent_pm.log ---")
	require.GreaterOrEqual(t, wrapperAt, 0)
	require.Greater(t, agentAt, wrapperAt)
	assert.NotContains(t, logs, "w1")
	assert.Contains(t, logs, "w2\nw3")
	assert.Contains(t, logs, "p1\np2")
}

func TestIsRunning(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	// A row persisted mid-pipeline reports running.
	sess, err := state.NewSession("Probe the pipeline", "probe", t.TempDir(), 0)
	require.NoError(t, err)
	sess.SessionID = "mid-flight"
	require.NoError(t, orch.store.Save(ctx, sess.SessionID, sess))
	running, err := orch.IsRunning(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.True(t, running)

	id, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	running, err = orch.IsRunning(ctx, id)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())

	first, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	second, err := orch.StartNewSession(ctx, testMission, "")
	require.NoError(t, err)
	_, err = orch.ApproveAndContinue(ctx, second)
	require.NoError(t, err)

	all, err := orch.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	waiting, err := orch.ListSessions(ctx, session.StatusAwaitingApproval, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, first, waiting[0].SessionID)
}

func TestGetWorkflowMermaid(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(t), newScriptedDriver())
	diagram := orch.GetWorkflowMermaid()
	assert.Contains(t, diagram, "stateDiagram-v2")
	assert.Contains(t, diagram, workflow.NodeHumanGate)
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv(DBPathEnv, "")
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, filepath.Join("data", checkpointDBName), cfg.CheckpointDBPath)
	assert.Equal(t, state.DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, DefaultWorkDirBase, cfg.WorkDirBase)
	assert.Equal(t, DefaultCleanupPoolSize, cfg.CleanupPoolSize)
}

func TestConfigHonorsEnvAndExplicitPaths(t *testing.T) {
	t.Setenv(DBPathEnv, filepath.Join("env", "orchestrator.db"))
	cfg := Config{}.withDefaults()
	assert.Equal(t, filepath.Join("env", "orchestrator.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join("env", checkpointDBName), cfg.CheckpointDBPath)

	explicit := Config{
		DBPath:           filepath.Join("a", "db.sqlite"),
		CheckpointDBPath: filepath.Join("b", "cp.sqlite"),
	}.withDefaults()
	assert.Equal(t, filepath.Join("a", "db.sqlite"), explicit.DBPath)
	assert.Equal(t, filepath.Join("b", "cp.sqlite"), explicit.CheckpointDBPath)
}

func TestProjectNameFromMission(t *testing.T) {
	cases := []struct {
		mission string
		want    string
	}{
		{"Build a task app", "build_a_task"},
		{"Build", "build"},
		{"Fix THE Bug-Tracker now", "fix_the_bugtracker"},
		{"", "project"},
		{"   ", "project"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, projectNameFromMission(tc.mission), "mission %q", tc.mission)
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Op: "start session", Err: cause}
	assert.Equal(t, "start session: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	err = &Error{Op: "approve session", SessionID: "s-1", Err: cause}
	assert.Equal(t, "approve session: session s-1: boom", err.Error())

	invalidOp := &InvalidOperationError{SessionID: "s-1", Status: session.StatusRunning}
	assert.Contains(t, invalidOp.Error(), "s-1")
	assert.Contains(t, invalidOp.Error(), "running")
}
