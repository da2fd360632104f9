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

	"trpc.group/trpc-go/trpc-studio-go/session"
	"trpc.group/trpc-go/trpc-studio-go/state"
)

func newStartCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "start <mission>",
		Short: "Start a new session and run it up to the approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, args[0], project)
		},
	}
	cmd.Flags().StringVar(&project, "project", "",
		"project name (derived from the mission when empty)")
	return cmd
}

func runStart(cmd *cobra.Command, mission, project string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer orch.Close()

	id, err := orch.StartNewSession(cmd.Context(), mission, project)
	if err != nil {
		return err
	}
	info, err := orch.GetSessionStatus(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started session %s\n", id)
	printSessionInfo(cmd.OutOrStdout(), info)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status and phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			info, err := orch.GetSessionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSessionInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve a session waiting at the gate and resume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			info, err := orch.ApproveAndContinue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved session %s\n", args[0])
			printSessionInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newRejectCmd() *cobra.Command {
	var (
		feedback string
		rejectTo string
	)

	cmd := &cobra.Command{
		Use:   "reject <session-id>",
		Short: "Reject a session waiting at the gate and rerun planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			info, err := orch.RejectAndIterate(cmd.Context(), args[0], feedback, rejectTo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected session %s back to %s\n", args[0], rejectTo)
			printSessionInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reason for the rejection (required)")
	cmd.Flags().StringVar(&rejectTo, "reject-to", state.RejectToArchitect,
		"phase to rerun: pm or architect")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		filter string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, session.Status(filter), limit)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "",
		"only show sessions with this status")
	cmd.Flags().IntVar(&limit, "limit", 0,
		"maximum sessions to show (0 means the store default)")
	return cmd
}

func runList(cmd *cobra.Command, status session.Status, limit int) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer orch.Close()

	infos, err := orch.ListSessions(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-18s  %-12s  %s\n", "SESSION", "STATUS", "PHASE", "MISSION")
	for _, info := range infos {
		mission := info.Mission
		if len(mission) > 60 {
			mission = mission[:57] + "..."
		}
		fmt.Fprintf(w, "%-36s  %-18s  %-12s  %s\n",
			info.SessionID, info.Status, info.CurrentPhase, mission)
	}
	return nil
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			deleted, err := orch.DeleteSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s not found\n", args[0])
			}
			return nil
		},
	}
}
