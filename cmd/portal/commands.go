// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/app"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/config"
)

var (
	configPath string
	cfg        config.Config
	logger     *logging.Logger

	chunkSize int64
	tokenUser int64
	tokenName string
	tokenRole []string
	tokenTTL  time.Duration

	rootCmd = &cobra.Command{
		Use:           "portal",
		Short:         "Analysis submission portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = app.NewLogger(cfg.Logging, cfg.Telemetry.ServiceName)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the submission API until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate, // Defined in cmd_serve.go
	}

	// --- Submissions ---
	submissionCmd = &cobra.Command{
		Use:   "submission",
		Short: "Administer submissions",
	}
	submissionStateCmd = &cobra.Command{
		Use:   "state [id] [status]",
		Short: "Force a submission into a status, bypassing the transition rules",
		Args:  cobra.ExactArgs(2),
		RunE:  runSubmissionState, // Defined in cmd_admin.go

		ValidArgsFunction: completeStatus,
	}
	submissionDeleteCmd = &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete submissions with their history and result files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSubmissionDelete, // Defined in cmd_admin.go
	}

	// --- Submission groups ---
	groupCmd = &cobra.Command{
		Use:   "group",
		Short: "Administer submission groups",
	}
	groupVerifyCmd = &cobra.Command{
		Use:   "verify [id]",
		Short: "Recompute a group checksum and compare it with the stored one",
		Args:  cobra.ExactArgs(1),
		RunE:  runGroupVerify, // Defined in cmd_admin.go
	}
	groupSplitCmd = &cobra.Command{
		Use:   "split [id]",
		Short: "Write the group archive as numbered chunks for worker download",
		Args:  cobra.ExactArgs(1),
		RunE:  runGroupSplit, // Defined in cmd_admin.go
	}
	groupDeleteCmd = &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete unreferenced submission groups and their files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGroupDelete, // Defined in cmd_admin.go
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE:  runToken, // Defined in cmd_admin.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	groupSplitCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (default from config)")

	tokenCmd.Flags().Int64Var(&tokenUser, "user-id", 0, "user id (required)")
	tokenCmd.Flags().StringVar(&tokenName, "username", "", "username (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRole, "role", nil, "role to grant, repeatable")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user-id")
	_ = tokenCmd.MarkFlagRequired("username")

	submissionCmd.AddCommand(submissionStateCmd, submissionDeleteCmd)
	groupCmd.AddCommand(groupVerifyCmd, groupSplitCmd, groupDeleteCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, submissionCmd, groupCmd, tokenCmd)
}
