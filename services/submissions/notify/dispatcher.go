// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers submission notifications to data-node owners.
//
// New submissions are announced by mail and websocket push; later status
// changes by push only. Delivery is best effort: the Notify methods return
// immediately, failures are logged and counted, and nothing is reported
// back to the caller.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

const (
	ChannelMail   = "mail"
	ChannelSocket = "socket"

	defaultFanOut  = 4
	defaultTimeout = 30 * time.Second
)

// Pusher pushes a payload to a user's open connections. *Hub implements it.
type Pusher interface {
	Push(ctx context.Context, username, topic string, payload any) (int, error)
}

// FailureRecorder counts dropped notifications.
type FailureRecorder interface {
	RecordNotificationFailure(channel string)
}

// Invitation is the socket payload for a submission event. It carries no
// credentials.
type Invitation struct {
	SubmissionID int64            `json:"submissionId"`
	AnalysisID   int64            `json:"analysisId"`
	DataSourceID int64            `json:"dataSourceId"`
	Status       datatypes.Status `json:"status"`
	Updated      time.Time        `json:"updated"`
}

// Dispatcher fans a submission event out to every owner.
type Dispatcher struct {
	pusher  Pusher
	mailer  Mailer
	metrics FailureRecorder
	logger  *logging.Logger
	fanOut  int
	timeout time.Duration

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFanOut bounds concurrent deliveries per event.
func WithFanOut(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanOut = n
		}
	}
}

// WithTimeout bounds the total delivery time of one event.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithFailureRecorder counts failures.
func WithFailureRecorder(r FailureRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = r }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher. Either channel may be nil.
func NewDispatcher(pusher Pusher, mailer Mailer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pusher:  pusher,
		mailer:  mailer,
		fanOut:  defaultFanOut,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger).With("component", "notify")
	return d
}

// NotifyNewSubmission announces a new submission to owners by mail and
// push. It returns immediately.
func (d *Dispatcher) NotifyNewSubmission(ctx context.Context, owners []datatypes.User, s *datatypes.Submission) {
	d.schedule(ctx, owners, s, true)
}

// NotifyOwners pushes a status change of s to owners. It returns
// immediately.
func (d *Dispatcher) NotifyOwners(ctx context.Context, owners []datatypes.User, s *datatypes.Submission) {
	d.schedule(ctx, owners, s, false)
}

// schedule runs delivery on its own goroutine with a context detached from
// ctx's cancellation, so a finished HTTP request does not abort it. Owners
// are notified concurrently, at most fanOut at a time.
func (d *Dispatcher) schedule(ctx context.Context, owners []datatypes.User, s *datatypes.Submission, mail bool) {
	if len(owners) == 0 || s == nil {
		return
	}
	recipients := append([]datatypes.User(nil), owners...)
	event := Invitation{
		SubmissionID: s.ID,
		AnalysisID:   s.AnalysisID,
		DataSourceID: s.DataSourceID,
		Status:       s.Status,
		Updated:      s.Updated,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.deliver(dctx, recipients, event, mail)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, owners []datatypes.User, event Invitation, mail bool) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOut)
	for _, owner := range owners {
		g.Go(func() error {
			d.notifyOne(gctx, owner, event, mail)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) notifyOne(ctx context.Context, owner datatypes.User, event Invitation, mail bool) {
	if mail && d.mailer != nil && owner.Email != "" {
		msg := Message{
			To:      owner.Email,
			Subject: fmt.Sprintf("Approval requested for submission %d", event.SubmissionID),
			Body: fmt.Sprintf("Submission %d of analysis %d on data source %d is %s and awaits your decision.",
				event.SubmissionID, event.AnalysisID, event.DataSourceID, event.Status),
		}
		if err := d.mailer.SendMail(ctx, msg); err != nil {
			d.fail(ChannelMail, owner, event, err)
		}
	}
	if d.pusher != nil {
		if _, err := d.pusher.Push(ctx, owner.Username, TopicInvitations, event); err != nil {
			d.fail(ChannelSocket, owner, event, err)
		}
	}
}

func (d *Dispatcher) fail(channel string, owner datatypes.User, event Invitation, err error) {
	d.logger.Warn("notification not delivered",
		"channel", channel,
		"username", owner.Username,
		"submission_id", event.SubmissionID,
		"error", err,
	)
	if d.metrics != nil {
		d.metrics.RecordNotificationFailure(channel)
	}
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
