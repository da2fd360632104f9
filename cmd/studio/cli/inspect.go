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
	"fmt"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-studio-go/workflow"
)

// artifactOrder fixes the printing order of GetArtifacts results.
var artifactOrder = []string{"prd", "tech_spec", "scaffold", "bug_report", "work_dir"}

func newArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <session-id>",
		Short: "Show the paths of the artifacts a session produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			artifacts, err := orch.GetArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range artifactOrder {
				path := artifacts[name]
				if path == "" {
					path = "(not produced)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s %s\n", name+":", path)
			}
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Show the tail of a session's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			logs, err := orch.GetRecentLogs(cmd.Context(), args[0], lines)
			if err != nil {
				return err
			}
			if logs == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No logs recorded.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), logs)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 0, "lines to show per log (0 means 50)")
	return cmd
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the pipeline as a Mermaid state diagram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), workflow.Mermaid())
			return nil
		},
	}
}
