//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package state defines the session value type for the multi-agent
// development pipeline and the pure functions that evolve it.
//
// All mutating operations return a fresh Session; the input value is
// never modified, so callers can hold on to snapshots safely.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase identifies where a session currently sits in the pipeline.
type Phase string

// Pipeline phases.
const (
	PhasePM        Phase = "pm"
	PhaseArch      Phase = "arch"
	PhaseHumanGate Phase = "human_gate"
	PhaseEng       Phase = "eng"
	PhaseQA        Phase = "qa"
	PhaseHumanHelp Phase = "human_help"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// Human gate decision values.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// Reject targets accepted by the human gate router.
const (
	RejectToPM        = "pm"
	RejectToArchitect = "architect"
)

// Execution record status values.
const (
	ExecStatusStarted   = "started"
	ExecStatusCompleted = "completed"
	ExecStatusFailed    = "failed"
)

// DefaultMaxIterations bounds the QA repair loop when the caller does
// not supply a budget.
const DefaultMaxIterations = 5

// ValidTransitions is the closed phase transition table. Terminal
// phases map to an empty set.
var ValidTransitions = map[Phase][]Phase{
	PhasePM:        {PhaseArch, PhaseFailed},
	PhaseArch:      {PhaseHumanGate, PhaseFailed},
	PhaseHumanGate: {PhaseEng, PhaseArch, PhasePM, PhaseFailed},
	PhaseEng:       {PhaseQA, PhaseFailed},
	PhaseQA:        {PhaseComplete, PhaseEng, PhaseHumanHelp, PhaseFailed},
	PhaseHumanHelp: {PhaseEng, PhaseArch, PhasePM, PhaseComplete, PhaseFailed},
	PhaseComplete:  {},
	PhaseFailed:    {},
}

// ValidPhase reports whether p is a member of the phase enum.
func ValidPhase(p Phase) bool {
	_, ok := ValidTransitions[p]
	return ok
}

// CanTransition reports whether the transition table allows from → to.
func CanTransition(from, to Phase) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether p has no outgoing transitions.
func IsTerminal(p Phase) bool {
	return len(ValidTransitions[p]) == 0 && ValidPhase(p)
}

// ExecutionRecord captures the outcome of one sub-agent run. Records
// are appended to the session's execution log and never rewritten.
type ExecutionRecord struct {
	Agent           string  `json:"agent"`
	Timestamp       string  `json:"timestamp"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	TokensInput     int     `json:"tokens_input"`
	TokensOutput    int     `json:"tokens_output"`
	Error           string  `json:"error,omitempty"`
}

// ExecutionResult is the value a node handler derives from one driver
// invocation before folding it into the session.
type ExecutionResult struct {
	Status           string
	DurationSeconds  float64
	TokensInput      int
	TokensOutput     int
	Error            string
	ArtifactsCreated []string
}

// Session is the full pipeline state for one mission. The JSON field
// names are load-bearing: they define the export format and the
// channel names used by the workflow graph.
type Session struct {
	SessionID             string            `json:"session_id"`
	UserMission           string            `json:"user_mission"`
	ProjectName           string            `json:"project_name"`
	WorkDir               string            `json:"work_dir"`
	CurrentPhase          Phase             `json:"current_phase"`
	IterationCount        int               `json:"iteration_count"`
	MaxIterations         int               `json:"max_iterations"`
	QAPassed              bool              `json:"qa_passed"`
	PathPRD               string            `json:"path_prd"`
	PathTechSpec          string            `json:"path_tech_spec"`
	PathScaffoldScript    string            `json:"path_scaffold_script"`
	PathBugReport         string            `json:"path_bug_report"`
	PRDFeedback           []string          `json:"prd_feedback"`
	ArchitecturalFeedback []string          `json:"architectural_feedback"`
	Decision              string            `json:"decision"`
	RejectPhase           string            `json:"reject_phase"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
	ExecutionLog          []ExecutionRecord `json:"execution_log"`
	Errors                []string          `json:"errors"`
	FilesCreated          []string          `json:"files_created"`
}

// FeedbackKind selects which feedback list AddFeedback appends to.
type FeedbackKind string

// Feedback kinds.
const (
	FeedbackPRD           FeedbackKind = "prd"
	FeedbackArchitectural FeedbackKind = "architectural"
)

// NewSession builds the initial session for a mission. The mission must
// be non-empty after trimming; maxIterations below 1 falls back to
// DefaultMaxIterations.
func NewSession(mission, projectName, workDir string, maxIterations int) (Session, error) {
	if strings.TrimSpace(mission) == "" {
		return Session{}, ErrEmptyMission
	}
	if maxIterations < 1 {
		maxIterations = DefaultMaxIterations
	}
	now := nowRFC3339()
	return Session{
		UserMission:           mission,
		ProjectName:           projectName,
		WorkDir:               workDir,
		CurrentPhase:          PhasePM,
		IterationCount:        0,
		MaxIterations:         maxIterations,
		QAPassed:              false,
		PRDFeedback:           []string{},
		ArchitecturalFeedback: []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
		ExecutionLog:          []ExecutionRecord{},
		Errors:                []string{},
		FilesCreated:          []string{},
	}, nil
}

// Update merges a patch keyed by JSON field names into a copy of the
// session and refreshes updated_at. Container values in the patch are
// deep-copied so the caller's maps and slices stay independent.
func Update(s Session, patch map[string]any) (Session, error) {
	m, err := ToMap(s)
	if err != nil {
		return Session{}, err
	}
	for k, v := range patch {
		m[k] = deepCopyAny(v)
	}
	m["updated_at"] = nowRFC3339()
	return FromMap(m)
}

// Transition moves the session to another phase. With validate set, the
// move must be in the transition table or an *InvalidTransitionError is
// returned and the input is untouched.
func Transition(s Session, to Phase, validate bool) (Session, error) {
	if validate && !CanTransition(s.CurrentPhase, to) {
		return Session{}, &InvalidTransitionError{From: s.CurrentPhase, To: to}
	}
	out := clone(s)
	out.CurrentPhase = to
	out.UpdatedAt = nowRFC3339()
	return out, nil
}

// AddFeedback appends one feedback entry to the list named by kind.
func AddFeedback(s Session, text string, kind FeedbackKind) (Session, error) {
	out := clone(s)
	switch kind {
	case FeedbackPRD:
		out.PRDFeedback = appendCopy(s.PRDFeedback, text)
	case FeedbackArchitectural:
		out.ArchitecturalFeedback = appendCopy(s.ArchitecturalFeedback, text)
	default:
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidFeedbackKind, kind)
	}
	out.UpdatedAt = nowRFC3339()
	return out, nil
}

// IncrementIteration bumps the repair loop counter.
func IncrementIteration(s Session) Session {
	out := clone(s)
	out.IterationCount++
	out.UpdatedAt = nowRFC3339()
	return out
}

// LogExecution appends an execution record for one sub-agent run. Any
// artifacts extend files_created and a non-empty result error is
// recorded on the session's error list.
func LogExecution(s Session, agent string, res ExecutionResult) Session {
	out := clone(s)
	out.ExecutionLog = append(copySlice(s.ExecutionLog), ExecutionRecord{
		Agent:           agent,
		Timestamp:       nowRFC3339(),
		Status:          res.Status,
		DurationSeconds: res.DurationSeconds,
		TokensInput:     res.TokensInput,
		TokensOutput:    res.TokensOutput,
		Error:           res.Error,
	})
	if len(res.ArtifactsCreated) > 0 {
		out.FilesCreated = append(copySlice(s.FilesCreated), res.ArtifactsCreated...)
	}
	if res.Error != "" {
		out.Errors = appendCopy(s.Errors, fmt.Sprintf("%s: %s", agent, res.Error))
	}
	out.UpdatedAt = nowRFC3339()
	return out
}

// Marshal serializes the session to JSON.
func Marshal(s Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

// Unmarshal restores a session from JSON. A payload without a user
// mission is rejected with ErrInvalidPayload.
func Unmarshal(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(s.UserMission) == "" {
		return Session{}, fmt.Errorf("%w: missing user_mission", ErrInvalidPayload)
	}
	return s, nil
}

// ToMap converts the session into a generic map keyed by the JSON field
// names, suitable for use as graph channel values.
func ToMap(s Session) (map[string]any, error) {
	data, err := Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("convert session to map: %w", err)
	}
	return m, nil
}

// FromMap restores a session from generic channel values. Numeric
// values may arrive as float64 after a JSON round trip; conversion is
// handled by re-encoding.
func FromMap(m map[string]any) (Session, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Unmarshal(data)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// clone copies the session value including fresh backing arrays for
// every slice field, so appends on the copy never alias the input.
func clone(s Session) Session {
	out := s
	out.PRDFeedback = copySlice(s.PRDFeedback)
	out.ArchitecturalFeedback = copySlice(s.ArchitecturalFeedback)
	out.ExecutionLog = copySlice(s.ExecutionLog)
	out.Errors = copySlice(s.Errors)
	out.FilesCreated = copySlice(s.FilesCreated)
	return out
}

func copySlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func appendCopy(in []string, v string) []string {
	out := make([]string, len(in), len(in)+1)
	copy(out, in)
	return append(out, v)
}

// deepCopyAny copies nested maps and slices; scalars are returned as is.
func deepCopyAny(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = deepCopyAny(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyAny(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}
