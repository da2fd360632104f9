//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-studio-go/orchestrator"
	"trpc.group/trpc-go/trpc-studio-go/session"
	"trpc.group/trpc-go/trpc-studio-go/state"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// useTempDB points the commands under test at a throwaway database.
func useTempDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	t.Setenv(orchestrator.DBPathEnv, dbPath)
	return dbPath
}

// seedSession writes one session row directly through the store, the
// way a pipeline run would have left it.
func seedSession(t *testing.T, dbPath, mission string) string {
	t.Helper()
	db, err := session.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	store, err := session.NewStore(db)
	require.NoError(t, err)

	sess, err := state.NewSession(mission, "demo", filepath.Join(t.TempDir(), "work"), 3)
	require.NoError(t, err)
	sess.SessionID = uuid.NewString()
	require.NoError(t, store.Save(context.Background(), sess.SessionID, sess))
	return sess.SessionID
}

func TestRootListsAllCommands(t *testing.T) {
	want := []string{
		"start", "status", "approve", "reject", "list", "delete",
		"artifacts", "logs", "graph", "export", "import", "cleanup", "server",
	}
	cmd := NewRootCmd()
	got := make(map[string]bool, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		got[sub.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing command %q", name)
	}
}

func TestRootWithoutArgsPrintsHelp(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "studio")
}

func TestGraphPrintsMermaid(t *testing.T) {
	out, err := executeCommand(t, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "stateDiagram-v2")
	assert.Contains(t, out, "HumanGate")
}

func TestListEmptyStore(t *testing.T) {
	useTempDB(t)
	out, err := executeCommand(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestStatusPrintsSeededSession(t *testing.T) {
	dbPath := useTempDB(t)
	id := seedSession(t, dbPath, "Build a demo app")

	out, err := executeCommand(t, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Build a demo app")
	assert.Contains(t, out, string(session.StatusRunning))
}

func TestListShowsSeededSession(t *testing.T) {
	dbPath := useTempDB(t)
	id := seedSession(t, dbPath, "Build a demo app")

	out, err := executeCommand(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, id)
}

func TestStatusUnknownSessionFails(t *testing.T) {
	useTempDB(t)
	_, err := executeCommand(t, "status", "no-such-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRejectRequiresFeedbackFlag(t *testing.T) {
	useTempDB(t)
	_, err := executeCommand(t, "reject", "some-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback")
}

func TestDeleteReportsMissingSession(t *testing.T) {
	useTempDB(t)
	out, err := executeCommand(t, "delete", "no-such-id")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
}

func TestCleanupOnEmptyStore(t *testing.T) {
	useTempDB(t)
	out, err := executeCommand(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 expired session(s)")
}

func TestImportRejectsMissingFile(t *testing.T) {
	useTempDB(t)
	_, err := executeCommand(t, "import", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestExportThenImportThroughCommands(t *testing.T) {
	dbPath := useTempDB(t)
	id := seedSession(t, dbPath, "Build a demo app")
	exportPath := filepath.Join(t.TempDir(), "session.json")

	out, err := executeCommand(t, "export", id, exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported session "+id)
	require.FileExists(t, exportPath)

	out, err = executeCommand(t, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	out, err = executeCommand(t, "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported session "+id)

	out, err = executeCommand(t, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Build a demo app")
}

func TestPrintSessionInfoLayout(t *testing.T) {
	var buf bytes.Buffer
	printSessionInfo(&buf, &session.Info{
		SessionID:      "abc-123",
		Mission:        "Build a demo app",
		ProjectName:    "demo",
		Status:         session.StatusAwaitingApproval,
		CurrentPhase:   state.PhaseHumanGate,
		IterationCount: 1,
		QAPassed:       false,
		UpdatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	out := buf.String()
	assert.Contains(t, out, "Session:    abc-123")
	assert.Contains(t, out, "Status:     awaiting_approval")
	assert.Contains(t, out, "Phase:      human_gate")
	assert.Contains(t, out, "Updated:    2025-06-01T12:00:00Z")
}
