//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package orchestrator is the control surface of the studio. It binds
// the session store, the durable graph executor and the sub-agent
// driver into one façade: start a mission, inspect it, approve or
// reject at the human gate, export it and clean it up. Every operation
// is keyed by session id; the checkpoint thread shares that id so a
// session can be resumed from any process over the same databases.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-studio-go/graph"
	checkpointsqlite "trpc.group/trpc-go/trpc-studio-go/graph/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-studio-go/identity"
	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/session"
	"trpc.group/trpc-go/trpc-studio-go/state"
	"trpc.group/trpc-go/trpc-studio-go/subagent"
	"trpc.group/trpc-go/trpc-studio-go/workflow"
)

// DBPathEnv overrides the default session database location.
const DBPathEnv = "ORCHESTRATOR_DB_PATH"

// Defaults applied by Config.withDefaults.
const (
	DefaultDBPath          = "data/orchestrator.db"
	DefaultWorkDirBase     = "projects"
	DefaultSessionTTL      = 7 * 24 * time.Hour
	DefaultCleanupPoolSize = 4

	// checkpointDBName sits beside the session database unless
	// Config.CheckpointDBPath says otherwise.
	checkpointDBName = "checkpoints.db"

	defaultLogLines = 50
)

// Config carries the durable paths and policy knobs of one
// orchestrator instance. The zero value is usable: every field falls
// back to its default, with DBPath additionally honoring DBPathEnv.
type Config struct {
	// DBPath locates the session database.
	DBPath string
	// CheckpointDBPath locates the checkpoint database. Empty means
	// checkpoints.db in DBPath's directory.
	CheckpointDBPath string
	// MaxIterations bounds the engineer/qa repair loop per session.
	MaxIterations int
	// SessionTTL is the inactivity window after which a non-completed
	// session is considered expired.
	SessionTTL time.Duration
	// WorkDirBase is the directory under which per-session work dirs
	// are created, named by session id.
	WorkDirBase string
	// CleanupPoolSize bounds the workers deleting checkpoint threads
	// during cleanup.
	CleanupPoolSize int
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = os.Getenv(DBPathEnv)
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.CheckpointDBPath == "" {
		c.CheckpointDBPath = filepath.Join(filepath.Dir(c.DBPath), checkpointDBName)
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = state.DefaultMaxIterations
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.WorkDirBase == "" {
		c.WorkDirBase = DefaultWorkDirBase
	}
	if c.CleanupPoolSize <= 0 {
		c.CleanupPoolSize = DefaultCleanupPoolSize
	}
	return c
}

// Orchestrator coordinates the session store, the checkpointed
// workflow executor and the sub-agent driver. Methods are safe for
// concurrent use across sessions; callers must not issue overlapping
// invocations for the same session id.
type Orchestrator struct {
	cfg     Config
	store   *session.Store
	storeDB *sql.DB
	saver   graph.CheckpointSaver
	driver  workflow.Driver

	// mu guards the lazily built executor. Deferring construction
	// keeps read-only operations usable on hosts without the agent
	// CLI binary.
	mu       sync.Mutex
	executor *graph.Executor

	approvals  atomic.Int64
	rejections atomic.Int64
}

// Option overrides a collaborator before New wires the defaults.
type Option func(*Orchestrator)

// WithDriver injects the sub-agent driver. Without one, New builds a
// subagent.Driver over the identity manager, which requires the agent
// CLI binary to be resolvable.
func WithDriver(d workflow.Driver) Option {
	return func(o *Orchestrator) { o.driver = d }
}

// WithCheckpointSaver injects the checkpoint backend. Without one, New
// opens a SQLite saver at Config.CheckpointDBPath.
func WithCheckpointSaver(saver graph.CheckpointSaver) Option {
	return func(o *Orchestrator) { o.saver = saver }
}

// New opens the databases and assembles the workflow executor. The
// returned orchestrator owns the store and saver handles; Close
// releases them.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(o)
	}

	db, err := session.Open(o.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	o.storeDB = db
	store, err := session.NewStore(db)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	o.store = store

	if o.saver == nil {
		cdb, err := checkpointsqlite.Open(o.cfg.CheckpointDBPath)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("open checkpoint database: %w", err)
		}
		saver, err := checkpointsqlite.NewSaver(cdb)
		if err != nil {
			cdb.Close()
			o.Close()
			return nil, fmt.Errorf("init checkpoint saver: %w", err)
		}
		o.saver = saver
	}

	return o, nil
}

// workflowExecutor builds the executor on first use. Without an
// injected driver it assembles a subagent.Driver over the identity
// manager, which fails when the agent CLI binary is not resolvable;
// deferring that check here means only pipeline-advancing operations
// require the binary.
func (o *Orchestrator) workflowExecutor() (*graph.Executor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executor != nil {
		return o.executor, nil
	}
	if o.driver == nil {
		manager, err := identity.NewManager()
		if err != nil {
			return nil, fmt.Errorf("init identity manager: %w", err)
		}
		driver, err := subagent.New(subagent.WithEnvManager(manager))
		if err != nil {
			return nil, fmt.Errorf("init sub-agent driver: %w", err)
		}
		o.driver = driver
	}
	executor, err := workflow.Build(workflow.NewNodes(o.driver), o.saver)
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	o.executor = executor
	return executor, nil
}

// Close releases the database handles. Safe on a partially constructed
// instance.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.saver != nil {
		if err := o.saver.Close(); err != nil {
			firstErr = err
		}
	}
	if o.storeDB != nil {
		if err := o.storeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartNewSession creates a session for the mission and drives the
// pipeline until the human gate (the expected stop) or a terminal
// phase. An empty projectName is derived from the mission.
func (o *Orchestrator) StartNewSession(ctx context.Context, mission, projectName string) (string, error) {
	const op = "start session"
	// Fail on a missing agent binary before any row or directory is
	// created.
	if _, err := o.workflowExecutor(); err != nil {
		return "", opError(op, "", err)
	}
	sessionID := uuid.NewString()
	if strings.TrimSpace(projectName) == "" {
		projectName = projectNameFromMission(mission)
	}
	workDir := filepath.Join(o.cfg.WorkDirBase, sessionID)

	sess, err := state.NewSession(mission, projectName, workDir, o.cfg.MaxIterations)
	if err != nil {
		return "", opError(op, "", err)
	}
	sess.SessionID = sessionID
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", opError(op, sessionID, fmt.Errorf("create work dir: %w", err))
	}
	// Persist before the first step so a crash mid-pipeline still
	// leaves a resumable row.
	if err := o.store.Save(ctx, sessionID, sess); err != nil {
		return "", opError(op, sessionID, err)
	}
	input, err := state.ToMap(sess)
	if err != nil {
		return "", opError(op, sessionID, err)
	}

	log.Infof("session %s: starting pipeline for project %s", sessionID, projectName)
	result, err := o.invoke(ctx, input, sessionID)
	if err != nil {
		o.markFailed(ctx, sessionID, sess, err)
		return "", opError(op, sessionID, err)
	}
	if err := o.store.Save(ctx, sessionID, result); err != nil {
		return "", opError(op, sessionID, err)
	}
	log.Infof("session %s: reached phase %s", sessionID, result.CurrentPhase)
	return sessionID, nil
}

// GetSessionStatus reads a session's metadata. A non-completed session
// whose last update is older than the TTL is flipped to expired before
// it is returned.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID string) (*session.Info, error) {
	info, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if o.isExpired(info) {
		if err := o.store.UpdateStatus(ctx, sessionID, session.StatusExpired); err != nil {
			return nil, fmt.Errorf("mark session expired: %w", err)
		}
		info.Status = session.StatusExpired
		log.Infof("session %s: expired after %s without updates", sessionID, o.cfg.SessionTTL)
	}
	return info, nil
}

// ApproveAndContinue releases a session paused at the human gate with
// an APPROVE decision and resumes it until the next stop.
func (o *Orchestrator) ApproveAndContinue(ctx context.Context, sessionID string) (*session.Info, error) {
	const op = "approve session"
	if err := o.requireAwaitingApproval(ctx, sessionID); err != nil {
		return nil, err
	}
	executor, err := o.workflowExecutor()
	if err != nil {
		return nil, opError(op, sessionID, err)
	}
	o.approvals.Add(1)
	updates := graph.State{
		workflow.KeyDecision:    state.DecisionApprove,
		workflow.KeyRejectPhase: "",
	}
	if _, err := executor.UpdateState(ctx, sessionID, updates, workflow.NodeHumanGate); err != nil {
		return nil, opError(op, sessionID, err)
	}
	log.Infof("session %s: approved, resuming", sessionID)
	if err := o.resumeAndSave(ctx, op, sessionID); err != nil {
		return nil, err
	}
	return o.GetSessionStatus(ctx, sessionID)
}

// RejectAndIterate releases a session paused at the human gate with a
// REJECT decision, records the feedback on the list matching rejectTo
// ("pm" or "architect", the default) and resumes the rework.
func (o *Orchestrator) RejectAndIterate(ctx context.Context, sessionID, feedback, rejectTo string) (*session.Info, error) {
	const op = "reject session"
	if rejectTo == "" {
		rejectTo = state.RejectToArchitect
	}
	if err := o.requireAwaitingApproval(ctx, sessionID); err != nil {
		return nil, err
	}
	sess, err := o.store.GetState(ctx, sessionID)
	if err != nil {
		return nil, opError(op, sessionID, err)
	}

	kind := state.FeedbackArchitectural
	feedbackKey := workflow.KeyArchitecturalFeedback
	if rejectTo == state.RejectToPM {
		kind = state.FeedbackPRD
		feedbackKey = workflow.KeyPRDFeedback
	}
	sess, err = state.AddFeedback(sess, feedback, kind)
	if err != nil {
		return nil, opError(op, sessionID, err)
	}
	list := sess.ArchitecturalFeedback
	if kind == state.FeedbackPRD {
		list = sess.PRDFeedback
	}

	executor, err := o.workflowExecutor()
	if err != nil {
		return nil, opError(op, sessionID, err)
	}
	o.rejections.Add(1)
	updates := graph.State{
		workflow.KeyDecision:    state.DecisionReject,
		workflow.KeyRejectPhase: rejectTo,
		feedbackKey:             list,
	}
	if _, err := executor.UpdateState(ctx, sessionID, updates, workflow.NodeHumanGate); err != nil {
		return nil, opError(op, sessionID, err)
	}
	log.Infof("session %s: rejected back to %s, resuming", sessionID, rejectTo)
	if err := o.resumeAndSave(ctx, op, sessionID); err != nil {
		return nil, err
	}
	return o.GetSessionStatus(ctx, sessionID)
}

// GetArtifacts maps the well-known artifact names to their recorded
// paths. Values are empty until the producing phase has run.
func (o *Orchestrator) GetArtifacts(ctx context.Context, sessionID string) (map[string]string, error) {
	sess, err := o.store.GetState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"prd":        sess.PathPRD,
		"tech_spec":  sess.PathTechSpec,
		"scaffold":   sess.PathScaffoldScript,
		"bug_report": sess.PathBugReport,
		"work_dir":   sess.WorkDir,
	}, nil
}

// GetRecentLogs formats the tail of the session's execution log, one
// line per sub-agent run. When no run has been recorded yet it falls
// back to tailing the driver's on-disk log files under the session's
// work dir.
func (o *Orchestrator) GetRecentLogs(ctx context.Context, sessionID string, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultLogLines
	}
	sess, err := o.store.GetState(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(sess.ExecutionLog) > 0 {
		records := sess.ExecutionLog
		if len(records) > lines {
			records = records[len(records)-lines:]
		}
		formatted := make([]string, 0, len(records))
		for _, rec := range records {
			formatted = append(formatted, strings.TrimSpace(fmt.Sprintf(
				"%s | %s | %s | %s", rec.Timestamp, rec.Agent, rec.Status, rec.Error)))
		}
		return strings.Join(formatted, "\n"), nil
	}
	return tailAgentLogs(filepath.Join(sess.WorkDir, subagent.LogDirName), lines), nil
}

// ListSessions returns session metadata newest-first. An empty status
// matches all; limit <= 0 applies the store default.
func (o *Orchestrator) ListSessions(ctx context.Context, status session.Status, limit int) ([]*session.Info, error) {
	return o.store.List(ctx, status, limit)
}

// IsRunning reports whether background work is in flight for the
// session.
func (o *Orchestrator) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	info, err := o.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return info.Status == session.StatusRunning, nil
}

// DeleteSession removes the session row and its checkpoint thread. It
// reports whether a row existed. A running subprocess is not signaled;
// callers should not delete in-flight sessions.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	deleted, err := o.store.Delete(ctx, sessionID)
	if err != nil || !deleted {
		return deleted, err
	}
	if err := o.saver.DeleteThread(ctx, sessionID); err != nil {
		log.Warnf("session %s: deleted, but checkpoint thread removal failed: %v", sessionID, err)
	}
	log.Infof("session %s: deleted", sessionID)
	return true, nil
}

// CleanupExpiredSessions deletes sessions idle past the TTL and their
// checkpoint threads, fanning the thread deletion out over a bounded
// worker pool. Returns the number of sessions removed.
func (o *Orchestrator) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := o.store.CleanupExpired(ctx, o.cfg.SessionTTL)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(o.cfg.CleanupPoolSize)
	if err != nil {
		return len(ids), fmt.Errorf("create cleanup pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, id := range ids {
		threadID := id
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := o.saver.DeleteThread(ctx, threadID); err != nil {
				log.Warnf("cleanup: checkpoint thread %s not removed: %v", threadID, err)
			}
		}); err != nil {
			wg.Done()
			log.Warnf("cleanup: submit thread removal for %s: %v", threadID, err)
		}
	}
	wg.Wait()

	log.Infof("cleanup: removed %d expired session(s)", len(ids))
	return len(ids), nil
}

// GetWorkflowMermaid returns the pipeline diagram in Mermaid syntax.
func (o *Orchestrator) GetWorkflowMermaid() string {
	return workflow.Mermaid()
}

// invoke drives the graph until the next suspension or terminal state.
// Suspending at an interrupt node is a normal outcome; either way the
// caller receives the state of the committed checkpoint.
func (o *Orchestrator) invoke(ctx context.Context, input graph.State, threadID string) (state.Session, error) {
	executor, err := o.workflowExecutor()
	if err != nil {
		return state.Session{}, err
	}
	final, err := executor.Execute(ctx, input, threadID)
	if err != nil && !graph.IsInterrupt(err) {
		return state.Session{}, err
	}
	return state.FromMap(final)
}

// resumeAndSave resumes the thread with no input and persists the
// resulting snapshot. A graph failure is folded into a failed state
// before the error is reported.
func (o *Orchestrator) resumeAndSave(ctx context.Context, op, sessionID string) error {
	result, err := o.invoke(ctx, nil, sessionID)
	if err != nil {
		if sess, getErr := o.store.GetState(ctx, sessionID); getErr == nil {
			o.markFailed(ctx, sessionID, sess, err)
		}
		return opError(op, sessionID, err)
	}
	if err := o.store.Save(ctx, sessionID, result); err != nil {
		return opError(op, sessionID, err)
	}
	log.Infof("session %s: reached phase %s", sessionID, result.CurrentPhase)
	return nil
}

// requireAwaitingApproval gates the human decisions. An expired
// session reports ErrSessionExpired, anything else not waiting at the
// gate reports *InvalidOperationError.
func (o *Orchestrator) requireAwaitingApproval(ctx context.Context, sessionID string) error {
	info, err := o.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if info.Status == session.StatusExpired {
		return &Error{Op: "resume session", SessionID: sessionID, Err: ErrSessionExpired}
	}
	if info.Status != session.StatusAwaitingApproval {
		return &InvalidOperationError{SessionID: sessionID, Status: info.Status}
	}
	return nil
}

// markFailed persists a terminal failed snapshot carrying cause, so a
// session whose graph invocation blew up is not left reporting
// running.
func (o *Orchestrator) markFailed(ctx context.Context, sessionID string, sess state.Session, cause error) {
	failed, err := state.Update(sess, map[string]any{
		workflow.KeyCurrentPhase: string(state.PhaseFailed),
		workflow.KeyErrors:       append(append([]string{}, sess.Errors...), cause.Error()),
	})
	if err != nil {
		log.Errorf("session %s: build failed snapshot: %v", sessionID, err)
		return
	}
	if err := o.store.Save(ctx, sessionID, failed); err != nil {
		log.Errorf("session %s: persist failed snapshot: %v", sessionID, err)
	}
}

// isExpired applies the TTL to non-terminal sessions. Completed and
// already-expired sessions never flip.
func (o *Orchestrator) isExpired(info *session.Info) bool {
	if info.Status == session.StatusCompleted || info.Status == session.StatusExpired {
		return false
	}
	return time.Since(info.UpdatedAt) > o.cfg.SessionTTL
}

// projectNameFromMission derives a filesystem-friendly name from the
// first three words of the mission: lower-cased, joined by
// underscores, stripped to [a-z0-9_] and capped at 50 characters.
func projectNameFromMission(mission string) string {
	words := strings.Fields(mission)
	if len(words) > 3 {
		words = words[:3]
	}
	joined := strings.ToLower(strings.Join(words, "_"))
	var b strings.Builder
	for _, r := range joined {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		return "project"
	}
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

// tailAgentLogs assembles the last lines of the driver's log files:
// the wrapper trail first, then the per-profile logs in name order.
func tailAgentLogs(dir string, lines int) string {
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	files := []string{filepath.Join(dir, subagent.WrapperLogName)}
	if matches, err := filepath.Glob(filepath.Join(dir, "agent_*.log")); err == nil {
		files = append(files, matches...)
	}

	var sections []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if tail := lastLines(string(data), lines); tail != "" {
			sections = append(sections, fmt.Sprintf("--- %s ---\n%s", filepath.Base(path), tail))
		}
	}
	return strings.Join(sections, "\n\n")
}

func lastLines(s string, n int) string {
	trimmed := strings.TrimRight(s, "\n")
	if trimmed == "" {
		return ""
	}
	all := strings.Split(trimmed, "\n")
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "\n")
}
