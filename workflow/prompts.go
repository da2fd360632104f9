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
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-studio-go/state"
)

// The prompt builders keep each persona on its lane: the pm owns
// requirements, the architect owns design, the engineer implements and
// the qa engineer verifies. Feedback from gate rejections is replayed
// to the authoring personas so a rework pass addresses it.

func pmPrompt(sess state.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the product manager for project %q.\n\n", sess.ProjectName)
	fmt.Fprintf(&b, "## Mission\n\n%s\n", sess.UserMission)
	writeFeedback(&b, "requirements", sess.PRDFeedback)
	fmt.Fprintf(&b, `
## Instructions

Write a comprehensive Product Requirements Document to %s with these
sections:

1. User Stories (at least five)
2. Functional Requirements (numbered and individually testable)
3. Non-Functional Requirements (performance, security, scalability)
4. Acceptance Criteria (Given/When/Then format, as a bullet list)

Be specific enough that an architect can design from the document
without asking questions.
`, PRDPath)
	return strings.TrimSpace(b.String())
}

func architectPrompt(sess state.Session, prd string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the software architect for project %q.\n\n", sess.ProjectName)
	fmt.Fprintf(&b, "## Product Requirements Document\n\n%s\n", prd)
	writeFeedback(&b, "design", sess.ArchitecturalFeedback)
	fmt.Fprintf(&b, `
## Instructions

Design the system described by the PRD above and produce:

1. A technical specification at %s with these sections:
   - Architecture Overview (include a Mermaid diagram)
   - Directory Structure
   - Data Models
   - API Signatures
   - Third-Party Dependencies
   - Rules of Engagement (a bullet list of hard constraints for the
     engineering team)
2. A scaffold script at %s that creates the directory structure and
   placeholder files.
`, TechSpecPath, ScaffoldPath)
	return strings.TrimSpace(b.String())
}

func engineerPrompt(sess state.Session, spec string, rules []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the senior engineer for project %q.\n\n", sess.ProjectName)
	fmt.Fprintf(&b, "## Technical Specification\n\n%s\n", spec)
	if len(rules) > 0 {
		b.WriteString("\n## Rules of Engagement\n\nThese constraints are non-negotiable:\n\n")
		for _, rule := range rules {
			fmt.Fprintf(&b, "- %s\n", rule)
		}
	}
	if sess.IterationCount > 0 && sess.PathBugReport != "" {
		b.WriteString("\n## Repair Context\n\n")
		fmt.Fprintf(&b, "This is repair iteration %d; the previous QA run failed.\n", sess.IterationCount)
		if report := readFileOr(sess.PathBugReport, ""); report != "" {
			fmt.Fprintf(&b, "Fix every bug in this report before doing anything else:\n\n%s\n", report)
		} else {
			fmt.Fprintf(&b, "Fix every bug reported in %s before doing anything else.\n", sess.PathBugReport)
		}
	}
	b.WriteString(`
## Instructions

Implement the specification exactly:

1. Production-quality code only. No placeholders, no stub bodies, no
   TODO or FIXME markers.
2. Do not invent features the specification does not define.
3. Write unit tests alongside everything you implement.
`)
	return strings.TrimSpace(b.String())
}

func qaPrompt(sess state.Session, criteria []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the QA engineer for project %q.\n\n", sess.ProjectName)
	if len(criteria) > 0 {
		b.WriteString("## Acceptance Criteria\n\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	} else if sess.PathPRD != "" {
		fmt.Fprintf(&b, "The PRD at %s defines the acceptance criteria.\n", sess.PathPRD)
	} else {
		b.WriteString("Derive the acceptance criteria from the implementation itself.\n")
	}
	b.WriteString(`
## Instructions

Test the implementation against the acceptance criteria. Cover happy
paths, edge cases and error handling; be adversarial.

After running the tests, print the results in exactly this format:

TEST_RESULTS_START
{
  "total": <number>,
  "passed": <number>,
  "failed": <number>,
  "errors": <number>,
  "failures": [
    {"test": "<name>", "criterion": "<criterion>", "error": "<message>", "trace": "<trace>"}
  ]
}
TEST_RESULTS_END
`)
	return strings.TrimSpace(b.String())
}

func writeFeedback(b *strings.Builder, what string, feedback []string) {
	if len(feedback) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## Review Feedback\n\nA reviewer rejected the previous %s. Address every point:\n\n", what)
	for _, f := range feedback {
		fmt.Fprintf(b, "- %s\n", f)
	}
}
