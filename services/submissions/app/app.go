// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles the submission portal from a config.Config.
//
// New opens the configured backends, builds every service on them and
// registers the HTTP routes. The command line tools and the integration
// tests share it, so what they exercise is what serve runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/archive"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/config"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/content"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/lifecycle"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/middleware"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/notify"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/observability"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/results"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/routes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/snapshot"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
	pbadger "github.com/AleutianAI/SubmissionPortal/services/submissions/storage/badger"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage/postgres"
)

// App holds the wired services. Fields are read-only after New.
type App struct {
	Config   config.Config
	Layout   layout.Layout
	Store    storage.Store
	Content  content.Store
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Builder    *snapshot.Builder
	Lifecycle  *lifecycle.Service
	Results    *results.Manager
	Codec      *archive.Codec
	Hub        *notify.Hub
	Dispatcher *notify.Dispatcher
	Auth       *middleware.JWTAuthProvider

	router  *gin.Engine
	logger  *logging.Logger
	closers []func() error
}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg config.LoggingConfig, service string) *logging.Logger {
	level, ok := logging.ParseLevel(cfg.Level)
	if !ok {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		JSON:    cfg.JSON,
	})
}

// New opens the backends and wires the services. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config: cfg,
		Layout: layout.New(cfg.Files.Root, cfg.Files.LegacyRoot),
		logger: logging.OrDefault(logger).With("component", "app"),
	}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	var bdb *pbadger.DB
	if cfg.Storage.Backend == config.StorageBadger || cfg.Content.Backend == config.ContentLocal {
		bcfg := pbadger.DefaultConfig()
		bcfg.Path = cfg.Storage.BadgerPath
		bcfg.Logger = a.logger.Slog()
		db, err := pbadger.OpenDB(bcfg)
		if err != nil {
			return fmt.Errorf("failed to open badger: %w", err)
		}
		bdb = db
		a.closers = append(a.closers, db.Close)
	}

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pg, err := postgres.Open(postgres.DefaultConfig(cfg.Storage.PostgresDSN))
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		a.Store = pg
		a.closers = append(a.closers, pg.Close)
	default:
		st := pbadger.NewStore(bdb)
		a.Store = st
		a.closers = append(a.closers, st.Close)
	}

	switch cfg.Content.Backend {
	case config.ContentGCS:
		gcs, err := content.NewGCSStore(ctx, content.GCSConfig{
			Bucket:          cfg.Content.Bucket,
			Prefix:          cfg.Content.Prefix,
			CredentialsFile: cfg.Content.CredentialsFile,
			Endpoint:        cfg.Content.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to open gcs content store: %w", err)
		}
		a.Content = gcs
		a.closers = append(a.closers, gcs.Close)
	default:
		local, err := content.NewLocalStore(cfg.Files.Root, bdb)
		if err != nil {
			return fmt.Errorf("failed to open local content store: %w", err)
		}
		a.Content = local
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = observability.NewMetrics(a.Registry)

	a.Hub = notify.NewHub(a.logger)
	a.Dispatcher = notify.NewDispatcher(a.Hub,
		notify.NewLogMailer(a.logger, cfg.Notifications.MailPerSec, cfg.Notifications.MailBurst),
		notify.WithFanOut(cfg.Notifications.FanOut),
		notify.WithTimeout(cfg.Notifications.Timeout),
		notify.WithFailureRecorder(a.Metrics),
		notify.WithDispatcherLogger(a.logger),
	)

	executable := snapshot.AllowAnyFiles
	if cfg.Submissions.RequireExecutable {
		executable = snapshot.RequireExecutable
	}
	a.Builder = snapshot.NewBuilder(a.Store, a.Layout,
		snapshot.WithExecutablePolicy(executable),
		snapshot.WithLogger(a.logger),
	)

	policy := lifecycle.AlwaysPending
	if cfg.Submissions.OwnerAutoApprove {
		policy = lifecycle.OwnerAutoApprove
	}
	a.Lifecycle = lifecycle.NewService(a.Store,
		lifecycle.WithGroupBuilder(a.Builder),
		lifecycle.WithContentStore(a.Content),
		lifecycle.WithLayout(a.Layout),
		lifecycle.WithNotifier(a.Dispatcher),
		lifecycle.WithStatusPolicy(policy),
		lifecycle.WithMetrics(a.Metrics),
		lifecycle.WithLogger(a.logger),
	)

	a.Results = results.NewManager(a.Store, a.Content, a.Layout,
		results.WithMetrics(a.Metrics),
		results.WithLogger(a.logger),
	)
	a.Codec = archive.NewCodec(a.Store, a.Layout,
		archive.WithLogger(a.logger),
		archive.WithMetrics(a.Metrics),
	)

	auth, err := middleware.NewJWTAuthProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	a.Auth = auth

	a.initRouter()
	return nil
}

func (a *App) initRouter() {
	a.router = gin.New()
	a.router.Use(gin.Recovery(), otelgin.Middleware(a.Config.Telemetry.ServiceName))

	var limiter *middleware.RateLimiter
	if a.Config.Server.CallbackRate > 0 {
		limiter = middleware.NewRateLimiter(a.Config.Server.CallbackRate, a.Config.Server.CallbackBurst)
	}

	routes.SetupRoutes(a.router, routes.Deps{
		Submissions:     a.Lifecycle,
		Results:         a.Results,
		Archives:        a.Codec,
		Sockets:         a.Hub,
		Auth:            a.Auth,
		CallbackLimiter: limiter,
		Gatherer:        a.Registry,
		Logger:          a.logger,
	})
}

// Router returns the configured engine.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Run serves HTTP on the configured port until ctx is cancelled, then
// drains in-flight requests for up to Server.ShutdownGrace.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting submission portal", "port", a.Config.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down submission portal")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Close waits for pending notifications and releases the backends in
// reverse opening order.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
