//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-studio-go/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(t *testing.T, id string, phase state.Phase) state.Session {
	t.Helper()
	sess, err := state.NewSession("Build a todo app", "build_a_todo", "/tmp/work/"+id, 5)
	require.NoError(t, err)
	sess.SessionID = id
	sess.CurrentPhase = phase
	return sess
}

// backdate shifts a session's updated_at so TTL paths can be exercised
// without sleeping.
func backdate(t *testing.T, store *Store, sessionID string, age time.Duration) {
	t.Helper()
	stale := time.Now().UTC().Add(-age).UnixNano()
	_, err := store.db.Exec(
		"UPDATE sessions SET updated_at = ? WHERE session_id = ?", stale, sessionID)
	require.NoError(t, err)
}

func TestStatusForPhase(t *testing.T) {
	cases := map[state.Phase]Status{
		state.PhasePM:        StatusRunning,
		state.PhaseArch:      StatusRunning,
		state.PhaseEng:       StatusRunning,
		state.PhaseQA:        StatusRunning,
		state.PhaseHumanGate: StatusAwaitingApproval,
		state.PhaseHumanHelp: StatusAwaitingApproval,
		state.PhaseComplete:  StatusCompleted,
		state.PhaseFailed:    StatusFailed,
	}
	for phase, want := range cases {
		assert.Equal(t, want, StatusForPhase(phase), "phase %s", phase)
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, "sess-1", state.PhasePM)

	require.NoError(t, store.Save(ctx, "sess-1", sess))

	info, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "Build a todo app", info.Mission)
	assert.Equal(t, "build_a_todo", info.ProjectName)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, state.PhasePM, info.CurrentPhase)
	assert.Equal(t, "/tmp/work/sess-1", info.WorkDir)
	assert.False(t, info.QAPassed)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestSavePreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, "sess-1", state.PhasePM)

	require.NoError(t, store.Save(ctx, "sess-1", sess))
	first, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)

	sess.CurrentPhase = state.PhaseArch
	sess.IterationCount = 2
	require.NoError(t, store.Save(ctx, "sess-1", sess))

	second, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
	assert.Equal(t, 2, second.IterationCount)
	assert.Equal(t, state.PhaseArch, second.CurrentPhase)
}

func TestSaveDerivesStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cases := map[string]struct {
		phase state.Phase
		want  Status
	}{
		"gate":     {state.PhaseHumanGate, StatusAwaitingApproval},
		"help":     {state.PhaseHumanHelp, StatusAwaitingApproval},
		"complete": {state.PhaseComplete, StatusCompleted},
		"failed":   {state.PhaseFailed, StatusFailed},
	}
	for id, tc := range cases {
		sess := newTestSession(t, id, tc.phase)
		require.NoError(t, store.Save(ctx, id, sess))
		info, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, info.Status, "phase %s", tc.phase)
	}
}

func TestGetStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, "sess-1", state.PhaseQA)
	sess = state.LogExecution(sess, "eng", state.ExecutionResult{
		Status:           state.ExecStatusCompleted,
		DurationSeconds:  1.5,
		TokensInput:      10,
		TokensOutput:     20,
		ArtifactsCreated: []string{"/tmp/work/sess-1/src/main.py"},
	})
	sess.PathPRD = "/tmp/work/sess-1/docs/PRD.md"

	require.NoError(t, store.Save(ctx, "sess-1", sess))

	got, err := store.GetState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.PathPRD, got.PathPRD)
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, "eng", got.ExecutionLog[0].Agent)
	assert.Equal(t, []string{"/tmp/work/sess-1/src/main.py"}, got.FilesCreated)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetState(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, "sess-1", state.PhasePM)
	require.NoError(t, store.Save(ctx, "sess-1", sess))

	require.NoError(t, store.UpdateStatus(ctx, "sess-1", StatusExpired))
	info, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, info.Status)

	err = store.UpdateStatus(ctx, "ghost", StatusExpired)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderFilterLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, id, newTestSession(t, id, state.PhasePM)))
	}
	require.NoError(t, store.Save(ctx, "d", newTestSession(t, "d", state.PhaseComplete)))
	// Touch "a" so it becomes the most recent.
	require.NoError(t, store.Save(ctx, "a", newTestSession(t, "a", state.PhaseEng)))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].SessionID)

	running, err := store.List(ctx, StatusRunning, 0)
	require.NoError(t, err)
	require.Len(t, running, 3)
	for _, info := range running {
		assert.Equal(t, StatusRunning, info.Status)
	}

	limited, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Save(ctx, id, newTestSession(t, id, state.PhasePM)))
	}
	require.NoError(t, store.Save(ctx, "c", newTestSession(t, "c", state.PhaseComplete)))

	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{
		StatusRunning:   2,
		StatusCompleted: 1,
	}, counts)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "sess-1", newTestSession(t, "sess-1", state.PhasePM)))

	deleted, err := store.Delete(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.Get(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, "stale-run", newTestSession(t, "stale-run", state.PhaseEng)))
	require.NoError(t, store.Save(ctx, "stale-done", newTestSession(t, "stale-done", state.PhaseComplete)))
	require.NoError(t, store.Save(ctx, "fresh", newTestSession(t, "fresh", state.PhasePM)))
	backdate(t, store, "stale-run", 10*24*time.Hour)
	backdate(t, store, "stale-done", 10*24*time.Hour)

	deleted, err := store.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-run"}, deleted)

	// Stale running session is gone; completed survives regardless of
	// age; fresh untouched.
	_, err = store.Get(ctx, "stale-run")
	require.ErrorIs(t, err, ErrNotFound)
	done, err := store.Get(ctx, "stale-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, fresh.Status)
}

func TestCleanupExpiredNothingStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "fresh", newTestSession(t, "fresh", state.PhasePM)))

	deleted, err := store.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
