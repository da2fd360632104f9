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
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/orchestrator"
)

const shutdownTimeout = 10 * time.Second

func newServerCmd() *cobra.Command {
	var (
		host            string
		port            int
		cleanupSchedule string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the operational HTTP endpoints",
		Long: `server exposes /healthz, /readyz and /metrics over HTTP and runs a
scheduled sweep that deletes expired sessions. It blocks until
interrupted, then shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			return runServer(cmd.Context(), addr, cleanupSchedule)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "interface to bind")
	cmd.Flags().IntVar(&port, "port", 8000, "port to listen on")
	cmd.Flags().StringVar(&cleanupSchedule, "cleanup-schedule", "@daily",
		"cron expression for the expired-session sweep")
	return cmd
}

func runServer(ctx context.Context, addr, cleanupSchedule string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer orch.Close()

	sched := cron.New()
	if _, err := sched.AddFunc(cleanupSchedule, func() {
		removed, err := orch.CleanupExpiredSessions(context.Background())
		if err != nil {
			log.Errorf("scheduled cleanup: %v", err)
			return
		}
		if removed > 0 {
			log.Infof("scheduled cleanup removed %d expired session(s)", removed)
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", cleanupSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	srv := orchestrator.NewServer(orch, addr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
