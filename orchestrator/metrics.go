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
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-studio-go/session"
)

// statusOrder fixes the exposition order of the by-status gauge.
var statusOrder = []session.Status{
	session.StatusPending,
	session.StatusRunning,
	session.StatusAwaitingApproval,
	session.StatusCompleted,
	session.StatusFailed,
	session.StatusExpired,
}

// Metrics renders the Prometheus exposition text served on /metrics:
// session totals, sessions by status and the approval/rejection
// counters.
func (o *Orchestrator) Metrics(ctx context.Context) (string, error) {
	counts, err := o.store.CountByStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("count sessions: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	var b strings.Builder
	b.WriteString("# HELP orchestrator_sessions_total Total number of sessions.\n")
	b.WriteString("# TYPE orchestrator_sessions_total gauge\n")
	fmt.Fprintf(&b, "orchestrator_sessions_total %d\n", total)
	b.WriteString("# HELP orchestrator_sessions_by_status Sessions grouped by status.\n")
	b.WriteString("# TYPE orchestrator_sessions_by_status gauge\n")
	for _, status := range statusOrder {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&b, "orchestrator_sessions_by_status{status=%q} %d\n", string(status), n)
		}
	}
	b.WriteString("# HELP orchestrator_approvals_total Total approvals submitted.\n")
	b.WriteString("# TYPE orchestrator_approvals_total counter\n")
	fmt.Fprintf(&b, "orchestrator_approvals_total %d\n", o.approvals.Load())
	b.WriteString("# HELP orchestrator_rejections_total Total rejections submitted.\n")
	b.WriteString("# TYPE orchestrator_rejections_total counter\n")
	fmt.Fprintf(&b, "orchestrator_rejections_total %d\n", o.rejections.Load())
	return b.String(), nil
}
