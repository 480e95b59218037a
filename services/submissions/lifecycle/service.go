// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle implements the submission state machine.
//
// # Description
//
// Every operation runs as one store transaction: read the submission,
// validate its current status, append a history element through
// Submission.MoveTo, and save. The store serializes concurrent transitions
// (optimistic retry on BadgerDB, row locks on Postgres), so a retried
// transaction re-reads and re-validates.
//
// Owner notifications are scheduled after commit and never fail an
// operation.
//
// # Thread Safety
//
// Service holds no mutable state and is safe for concurrent use.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/observability"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

var lifecycleTracer = otel.Tracer("aleutian.submissions.lifecycle")

// Notifier delivers owner notifications. notify.Dispatcher implements it.
type Notifier interface {
	NotifyNewSubmission(ctx context.Context, owners []datatypes.User, s *datatypes.Submission)
	NotifyOwners(ctx context.Context, owners []datatypes.User, s *datatypes.Submission)
}

type nopNotifier struct{}

func (nopNotifier) NotifyNewSubmission(context.Context, []datatypes.User, *datatypes.Submission) {}
func (nopNotifier) NotifyOwners(context.Context, []datatypes.User, *datatypes.Submission)        {}

// GroupBuilder snapshots an analysis. snapshot.Builder implements it.
type GroupBuilder interface {
	CreateSubmissionGroup(ctx context.Context, author *datatypes.User, analysis *datatypes.Analysis) (*datatypes.SubmissionGroup, error)
}

// ContentRemover deletes stored result content. content.Store implements it.
type ContentRemover interface {
	Delete(ctx context.Context, path string) error
}

// StatusPolicy returns the initial status of a new submission.
type StatusPolicy func(ds *datatypes.DataSource, author *datatypes.User) datatypes.Status

// AlwaysPending requires owner approval for every submission.
func AlwaysPending(*datatypes.DataSource, *datatypes.User) datatypes.Status {
	return datatypes.StatusPending
}

// OwnerAutoApprove starts submissions immediately when the author owns the
// data node.
func OwnerAutoApprove(ds *datatypes.DataSource, author *datatypes.User) datatypes.Status {
	if ds.DataNode.IsOwner(author) {
		return datatypes.StatusInProgress
	}
	return datatypes.StatusPending
}

// ExtendedInfoUpdater recomputes derived summaries after a result decision.
// It runs inside the transaction; an error aborts the decision.
type ExtendedInfoUpdater func(ctx context.Context, s *datatypes.Submission) error

func noExtendedInfo(context.Context, *datatypes.Submission) error { return nil }

// Service runs submission transitions.
type Service struct {
	store     storage.Store
	builder   GroupBuilder
	content   ContentRemover
	layout    *layout.Layout
	notifier  Notifier
	policy    StatusPolicy
	extInfo   ExtendedInfoUpdater
	metrics   *observability.Metrics
	logger    *logging.Logger
	now       func() time.Time
	newSecret func() string
}

// Option configures a Service.
type Option func(*Service)

// WithGroupBuilder enables SubmitAnalysis.
func WithGroupBuilder(b GroupBuilder) Option {
	return func(s *Service) { s.builder = b }
}

// WithContentStore enables result file deletion.
func WithContentStore(c ContentRemover) Option {
	return func(s *Service) { s.content = c }
}

// WithLayout lets cascades remove on-disk folders.
func WithLayout(l layout.Layout) Option {
	return func(s *Service) { s.layout = &l }
}

// WithNotifier sets the notification gateway.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithStatusPolicy replaces AlwaysPending.
func WithStatusPolicy(p StatusPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithExtendedInfoUpdater sets the hook run on result decisions.
func WithExtendedInfoUpdater(u ExtendedInfoUpdater) Option {
	return func(s *Service) { s.extInfo = u }
}

// WithMetrics records transitions and failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSecretGenerator overrides token and update password generation.
func WithSecretGenerator(gen func() string) Option {
	return func(s *Service) { s.newSecret = gen }
}

// NewService creates a Service over store.
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		notifier:  nopNotifier{},
		policy:    AlwaysPending,
		extInfo:   noExtendedInfo,
		now:       time.Now,
		newSecret: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).With("component", "lifecycle")
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

type transition struct{ from, to datatypes.Status }

// transitions collects the status changes of one transaction attempt.
type transitions []transition

// move applies a transition to sub and remembers it.
func (t *transitions) move(sub *datatypes.Submission, to datatypes.Status, actor *datatypes.User, comment string, at time.Time) {
	*t = append(*t, transition{from: sub.Status, to: to})
	sub.MoveTo(to, actor, comment, at)
}

// update runs fn in a read-write transaction. fn may run again when the
// transaction conflicts; only the moves of the committed attempt are
// counted.
func (s *Service) update(ctx context.Context, fn func(tx storage.Tx, moves *transitions) error) error {
	var moves transitions
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		moves = moves[:0]
		return fn(tx, &moves)
	})
	if err != nil {
		return err
	}
	for _, m := range moves {
		s.metrics.RecordTransition(m.from, m.to)
	}
	return nil
}

// ownersOf returns the data-node owners of sub's data source, or nil when
// the data source is gone.
func ownersOf(tx storage.Tx, sub *datatypes.Submission) ([]datatypes.User, error) {
	ds, err := tx.FindDataSource(sub.DataSourceID)
	if err != nil {
		return nil, err
	}
	return ds.DataNode.Owners, nil
}

// requireOwner fails with PermissionDenied unless actor owns the data node
// of sub's data source.
func requireOwner(tx storage.Tx, sub *datatypes.Submission, actor *datatypes.User) ([]datatypes.User, error) {
	ds, err := tx.FindDataSource(sub.DataSourceID)
	if err != nil {
		return nil, err
	}
	if !ds.DataNode.IsOwner(actor) {
		return nil, datatypes.PermissionDeniedf("user is not an owner of data node '%s'", ds.DataNode.Name)
	}
	return ds.DataNode.Owners, nil
}

func requireActor(actor *datatypes.User) error {
	if actor == nil {
		return datatypes.Validationf("an acting user is required")
	}
	return nil
}
