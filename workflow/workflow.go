//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package workflow assembles the multi-agent delivery pipeline as an
// executable graph: product manager, architect, a human approval gate,
// engineer and QA with a bounded repair loop. Node handlers run the
// sub-agents through a driver and fold each outcome back into the
// session state; all sequencing lives in the edges.
//
// The graph suspends after the human gate on every pass. The caller
// records the reviewer's decision with Executor.UpdateState and resumes
// with a nil input; routing then reads the decision channels and either
// hands off to the engineer or loops back to an authoring phase.
package workflow

import (
	"reflect"
	"strings"

	"trpc.group/trpc-go/trpc-studio-go/graph"
	"trpc.group/trpc-go/trpc-studio-go/state"
)

// Node IDs. The gate ID doubles as the interrupt point and as the
// node name the orchestrator updates state as.
const (
	NodePM        = "pm"
	NodeArchitect = "architect"
	NodeHumanGate = "human_gate"
	NodeEngineer  = "engineer"
	NodeQA        = "qa"
	NodeHumanHelp = "human_help"
)

// Channel names the handlers and routers touch. They mirror the
// session's JSON field names so that state.FromMap round-trips.
const (
	KeySessionID             = "session_id"
	KeyCurrentPhase          = "current_phase"
	KeyIterationCount        = "iteration_count"
	KeyMaxIterations         = "max_iterations"
	KeyQAPassed              = "qa_passed"
	KeyPathPRD               = "path_prd"
	KeyPathTechSpec          = "path_tech_spec"
	KeyPathScaffoldScript    = "path_scaffold_script"
	KeyPathBugReport         = "path_bug_report"
	KeyPRDFeedback           = "prd_feedback"
	KeyArchitecturalFeedback = "architectural_feedback"
	KeyDecision              = "decision"
	KeyRejectPhase           = "reject_phase"
	KeyFilesCreated          = "files_created"
	KeyErrors                = "errors"
)

// Artifact locations relative to a session's work dir. Agents are told
// to write here; the handlers fall back to basename matching against
// the harvested artifact list when an agent picked its own spot.
const (
	PRDPath       = "docs/PRD.md"
	TechSpecPath  = "docs/TECH_SPEC.md"
	ScaffoldPath  = "docs/scaffold.sh"
	BugReportPath = "reports/BUG_REPORT.md"

	docsDir    = "docs"
	reportsDir = "reports"
)

// Schema declares one last-value channel per session field. Every node
// returns a complete session map, so replacement semantics are exactly
// what the pipeline needs; nothing is append-merged at the graph layer.
func Schema() *graph.StateSchema {
	schema := graph.NewStateSchema()
	t := reflect.TypeOf(state.Session{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			schema.AddField(name, graph.StateField{Type: t.Field(i).Type})
		}
	}
	return schema
}

// NewGraph wires the pipeline topology around the given node handlers.
//
//	pm -> architect -> human_gate -?-> engineer -> qa -?-> end
//	                        ^             ^          |
//	                        |             +--repair--+
//	                        +--reject--+  |
//	                                      +-> human_help -> end
func NewGraph(nodes *Nodes) (*graph.Graph, error) {
	return graph.NewStateGraph(Schema()).
		AddNode(NodePM, nodes.pm).
		AddNode(NodeArchitect, nodes.architect).
		AddNode(NodeHumanGate, nodes.humanGate).
		AddNode(NodeEngineer, nodes.engineer).
		AddNode(NodeQA, nodes.qa).
		AddNode(NodeHumanHelp, nodes.humanHelp).
		SetEntryPoint(NodePM).
		AddEdge(NodePM, NodeArchitect).
		AddEdge(NodeArchitect, NodeHumanGate).
		AddConditionalEdges(NodeHumanGate, RouteAfterHumanGate, map[string]string{
			NodeEngineer:  NodeEngineer,
			NodeArchitect: NodeArchitect,
			NodePM:        NodePM,
			NodeHumanGate: NodeHumanGate,
			RouteFailed:   graph.End,
		}).
		AddEdge(NodeEngineer, NodeQA).
		AddConditionalEdges(NodeQA, RouteAfterQA, map[string]string{
			RouteEnd:      graph.End,
			NodeEngineer:  NodeEngineer,
			NodeHumanHelp: NodeHumanHelp,
		}).
		SetFinishPoint(NodeHumanHelp).
		Compile()
}

// Build compiles the pipeline and wraps it in an executor that commits
// a checkpoint through saver after every node and suspends after the
// human gate.
func Build(nodes *Nodes, saver graph.CheckpointSaver) (*graph.Executor, error) {
	compiled, err := NewGraph(nodes)
	if err != nil {
		return nil, err
	}
	return graph.NewExecutor(compiled,
		graph.WithCheckpointSaver(saver),
		graph.WithInterruptAfter(NodeHumanGate),
	)
}

// Mermaid renders the pipeline as a state diagram for docs and the CLI.
func Mermaid() string {
	return `stateDiagram-v2
    [*] --> PM
    PM --> Architect
    Architect --> HumanGate
    HumanGate --> Engineer: APPROVE
    HumanGate --> Architect: REJECT (spec)
    HumanGate --> PM: REJECT (requirements)
    Engineer --> QA
    QA --> [*]: tests pass
    QA --> Engineer: tests fail (iterations left)
    QA --> HumanHelp: tests fail (budget spent)
    HumanHelp --> [*]

    note right of HumanGate
        Execution pauses here until a
        reviewer approves or rejects.
    end note

    note right of QA
        Bounded repair loop. Each failed
        run files a bug report for the
        next engineering pass.
    end note
`
}
