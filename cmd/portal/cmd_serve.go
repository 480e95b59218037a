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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/app"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/config"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage/postgres"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := app.InitTracer(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close backends", "error", err)
		}
	}()
	return a.Run(ctx)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.Storage.Backend != config.StoragePostgres {
		logger.Info("storage backend needs no migration", "backend", cfg.Storage.Backend)
		return nil
	}
	store, err := postgres.Open(postgres.DefaultConfig(cfg.Storage.PostgresDSN))
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("schema migrated")
	return nil
}
