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

	"trpc.group/trpc-go/trpc-studio-go/graph"
	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/state"
)

// Route keys returned by the conditional edges. Keys that name a node
// map straight onto it; RouteEnd and RouteFailed terminate the run.
const (
	RouteEnd    = "end"
	RouteFailed = "failed"
)

// RouteAfterHumanGate picks the gate's successor from the recorded
// decision. Approval hands off to the engineer; a rejection returns to
// the phase named by reject_phase, defaulting to the architect; with no
// decision the gate loops onto itself so a bare resume suspends again
// instead of guessing. A failed upstream phase drains to the end.
func RouteAfterHumanGate(_ context.Context, s graph.State) (string, error) {
	if phaseOf(s) == state.PhaseFailed {
		return RouteFailed, nil
	}
	switch decision, _ := s[KeyDecision].(string); decision {
	case state.DecisionApprove:
		log.Infof("Gate approved for session %s, handing off to engineer", sessionIDOf(s))
		return NodeEngineer, nil
	case state.DecisionReject:
		if target, _ := s[KeyRejectPhase].(string); target == state.RejectToPM {
			log.Infof("Gate rejected for session %s, returning to pm", sessionIDOf(s))
			return NodePM, nil
		}
		log.Infof("Gate rejected for session %s, returning to architect", sessionIDOf(s))
		return NodeArchitect, nil
	default:
		log.Warnf("No decision recorded at the gate for session %s", sessionIDOf(s))
		return NodeHumanGate, nil
	}
}

// RouteAfterQA ends the run when the tests passed, keeps the repair
// loop going while the iteration budget lasts and escalates to human
// help once it is spent. The pass flag is evaluated before the budget,
// so a green run on the last iteration still completes.
func RouteAfterQA(_ context.Context, s graph.State) (string, error) {
	if phaseOf(s) == state.PhaseFailed {
		return RouteEnd, nil
	}
	if passed, _ := s[KeyQAPassed].(bool); passed {
		log.Infof("QA passed for session %s, run complete", sessionIDOf(s))
		return RouteEnd, nil
	}
	iteration := intValue(s[KeyIterationCount])
	budget := intValue(s[KeyMaxIterations])
	if budget <= 0 {
		budget = state.DefaultMaxIterations
	}
	if iteration < budget {
		log.Infof("QA failed for session %s, repair iteration %d/%d", sessionIDOf(s), iteration, budget)
		return NodeEngineer, nil
	}
	log.Warnf("Iteration budget %d spent for session %s, escalating to human help", budget, sessionIDOf(s))
	return NodeHumanHelp, nil
}

// phaseOf reads the phase channel, which holds a plain string after a
// checkpoint round trip but may hold a typed Phase when set in process.
func phaseOf(s graph.State) state.Phase {
	switch v := s[KeyCurrentPhase].(type) {
	case string:
		return state.Phase(v)
	case state.Phase:
		return v
	default:
		return ""
	}
}

func sessionIDOf(s graph.State) string {
	id, _ := s[KeySessionID].(string)
	return id
}

// intValue tolerates the float64 that integer channels become after a
// JSON round trip through the checkpoint store.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
