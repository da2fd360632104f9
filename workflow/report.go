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
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeBugReport renders a failed summary as markdown under the
// session's reports dir and returns the report path. The report is the
// engineer's work order for the next repair iteration.
func writeBugReport(workDir, projectName string, summary TestSummary) (string, error) {
	if err := os.MkdirAll(filepath.Join(workDir, reportsDir), 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	var b strings.Builder
	b.WriteString("# QA Bug Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Project: %s\n\n", projectName)
	b.WriteString("## Test Execution Summary\n\n")
	fmt.Fprintf(&b, "- **Total Tests**: %d\n", summary.Total)
	fmt.Fprintf(&b, "- **Passed**: %d\n", summary.Passed)
	fmt.Fprintf(&b, "- **Failed**: %d\n", summary.Failed)
	fmt.Fprintf(&b, "- **Errors**: %d\n", summary.Errors)
	if len(summary.Failures) > 0 {
		b.WriteString("\n## Failed Test Details\n")
		for i, f := range summary.Failures {
			fmt.Fprintf(&b, "\n### Bug #%d: %s\n\n", i+1, f.Test)
			fmt.Fprintf(&b, "**Severity**: %s\n", classifySeverity(f))
			if f.Criterion != "" {
				fmt.Fprintf(&b, "\n**Acceptance Criterion**:\n> %s\n", f.Criterion)
			}
			if f.Error != "" {
				fmt.Fprintf(&b, "\n**Error**:\n```\n%s\n```\n", truncate(f.Error, 500))
			}
			if f.Trace != "" {
				fmt.Fprintf(&b, "\n**Stack Trace**:\n```\n%s\n```\n", truncate(f.Trace, 1000))
			}
		}
	}
	path := filepath.Join(workDir, BugReportPath)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write bug report: %w", err)
	}
	return path, nil
}

// Severity keyword buckets, checked most severe first.
var severityKeywords = []struct {
	label string
	words []string
}{
	{"Critical", []string{"security", "crash", "data loss", "authentication"}},
	{"High", []string{"error", "exception", "failed", "invalid"}},
	{"Medium", []string{"assert", "expected", "actual"}},
}

func classifySeverity(f TestFailure) string {
	text := strings.ToLower(f.Error + " " + f.Criterion)
	for _, bucket := range severityKeywords {
		for _, word := range bucket.words {
			if strings.Contains(text, word) {
				return bucket.label
			}
		}
	}
	return "Medium"
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
