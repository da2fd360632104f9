//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package state

import (
	"fmt"
	"strings"
)

// requiredArtifacts lists the artifact fields that must be populated
// for a session sitting in a given phase. Phases not listed have no
// artifact requirements.
var requiredArtifacts = map[Phase][]string{
	PhaseArch:      {"path_prd"},
	PhaseHumanGate: {"path_prd", "path_tech_spec"},
	PhaseEng:       {"path_prd", "path_tech_spec"},
	PhaseQA:        {"path_prd", "path_tech_spec"},
	PhaseComplete:  {"path_prd", "path_tech_spec"},
}

// Validate checks structural consistency and returns one message per
// problem found. An empty result means the session is well-formed.
func Validate(s Session) []string {
	var problems []string
	if strings.TrimSpace(s.UserMission) == "" {
		problems = append(problems, "user_mission is empty")
	}
	if !ValidPhase(s.CurrentPhase) {
		problems = append(problems, fmt.Sprintf("current_phase %q is not a valid phase", s.CurrentPhase))
	}
	if s.IterationCount < 0 {
		problems = append(problems, "iteration_count is negative")
	}
	if s.MaxIterations < 1 {
		problems = append(problems, "max_iterations must be at least 1")
	}
	for _, field := range requiredArtifacts[s.CurrentPhase] {
		if artifactValue(s, field) == "" {
			problems = append(problems, fmt.Sprintf("phase %q requires %s to be set", s.CurrentPhase, field))
		}
	}
	return problems
}

func artifactValue(s Session, field string) string {
	switch field {
	case "path_prd":
		return s.PathPRD
	case "path_tech_spec":
		return s.PathTechSpec
	case "path_scaffold_script":
		return s.PathScaffoldScript
	case "path_bug_report":
		return s.PathBugReport
	default:
		return ""
	}
}
