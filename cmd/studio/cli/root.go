//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package cli implements the studio command tree. Every command builds
// the orchestrator from the environment, runs one operation against it
// and prints a plain-text result, so the binary scripts well.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/orchestrator"
	"trpc.group/trpc-go/trpc-studio-go/session"
)

// NewRootCmd assembles the studio command tree.
func NewRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "studio",
		Short: "Drive missions through the multi-agent development pipeline",
		Long: `studio runs software missions through a PM -> architect -> engineer -> QA
pipeline of sub-agents, pausing at a human gate after planning. Sessions
are durable: every step is checkpointed, so a session can be inspected,
approved, rejected or resumed from any process sharing the databases.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log.SetLevel(logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", log.LevelInfo,
		"log level: debug, info, warn, error or fatal")

	cmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newListCmd(),
		newDeleteCmd(),
		newArtifactsCmd(),
		newLogsCmd(),
		newGraphCmd(),
		newExportCmd(),
		newImportCmd(),
		newCleanupCmd(),
		newServerCmd(),
	)
	return cmd
}

// newOrchestrator builds the façade from the environment. Callers own
// the returned handle and must Close it.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Config{})
}

func printSessionInfo(w io.Writer, info *session.Info) {
	fmt.Fprintf(w, "Session:    %s\n", info.SessionID)
	fmt.Fprintf(w, "Project:    %s\n", info.ProjectName)
	fmt.Fprintf(w, "Mission:    %s\n", info.Mission)
	fmt.Fprintf(w, "Status:     %s\n", info.Status)
	fmt.Fprintf(w, "Phase:      %s\n", info.CurrentPhase)
	fmt.Fprintf(w, "Iterations: %d\n", info.IterationCount)
	fmt.Fprintf(w, "QA passed:  %t\n", info.QAPassed)
	fmt.Fprintf(w, "Updated:    %s\n", info.UpdatedAt.UTC().Format(time.RFC3339))
}
