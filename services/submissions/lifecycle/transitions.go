// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

func (s *Service) finish(span trace.Span, operation string, start time.Time, err error) {
	s.metrics.ObserveOperation(operation, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
	}
	span.End()
}

// ApproveSubmission records an owner's decision on executing a PENDING
// submission.
//
// Description:
//
//	Approval moves the submission to IN_PROGRESS, rejection to
//	NOT_APPROVED. The actor is recorded in the history element together
//	with the comment. Owners are notified after commit.
//
// Inputs:
//
//	ctx - Context for the transaction.
//	id - Submission ID.
//	isApproved - The decision.
//	comment - Optional, at most datatypes.MaxCommentBytes.
//	actor - The deciding owner. Required.
//
// Outputs:
//
//	*datatypes.Submission - The updated submission.
//	error - NotExist if absent, PermissionDenied if actor is not an owner,
//	IllegalState if the submission is not PENDING.
func (s *Service) ApproveSubmission(ctx context.Context, id int64, isApproved bool, comment string, actor *datatypes.User) (result *datatypes.Submission, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.ApproveSubmission")
	defer func(start time.Time) { s.finish(span, "approve_submission", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", id), attribute.Bool("approved", isApproved))

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if len(comment) > datatypes.MaxCommentBytes {
		return nil, datatypes.Validationf("comment exceeds %d bytes", datatypes.MaxCommentBytes)
	}

	var owners []datatypes.User
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		sub, err := tx.FindSubmission(id)
		if err != nil {
			return err
		}
		if owners, err = requireOwner(tx, sub, actor); err != nil {
			return err
		}
		if sub.Status != datatypes.StatusPending {
			return datatypes.IllegalStatef("submission %d is %s, expected %s", id, sub.Status, datatypes.StatusPending)
		}
		target := datatypes.StatusNotApproved
		if isApproved {
			target = datatypes.StatusInProgress
		}
		moves.move(sub, target, actor, comment, s.clock())
		if err := tx.SaveSubmission(sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("submission execution decided", "submission_id", id, "status", result.Status, "actor_id", actor.ID)
	s.notifier.NotifyOwners(ctx, owners, result)
	return result, nil
}

// resultTarget maps (current status, decision) to the publication state.
func resultTarget(current datatypes.Status, approved bool) (datatypes.Status, bool) {
	if !current.In(datatypes.ResultApprovableStatuses...) {
		return "", false
	}
	switch {
	case current == datatypes.StatusExecuted && approved:
		return datatypes.StatusExecutedPublished, true
	case current == datatypes.StatusExecuted:
		return datatypes.StatusExecutedRejected, true
	case current == datatypes.StatusFailed && approved:
		return datatypes.StatusFailedPublished, true
	case current == datatypes.StatusFailed:
		return datatypes.StatusFailedRejected, true
	}
	return "", false
}

// ApproveSubmissionResult records an owner's decision on publishing the
// results of an EXECUTED or FAILED submission.
//
// Outputs:
//
//	error - Validation if req.IsApproved is nil, NotExist, PermissionDenied,
//	or IllegalState unless the submission is EXECUTED or FAILED.
func (s *Service) ApproveSubmissionResult(ctx context.Context, id int64, req datatypes.ApproveRequest, actor *datatypes.User) (result *datatypes.Submission, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.ApproveSubmissionResult")
	defer func(start time.Time) { s.finish(span, "approve_submission_result", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", id))

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var owners []datatypes.User
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		sub, err := tx.FindSubmission(id)
		if err != nil {
			return err
		}
		if owners, err = requireOwner(tx, sub, actor); err != nil {
			return err
		}
		target, ok := resultTarget(sub.Status, *req.IsApproved)
		if !ok {
			return datatypes.IllegalStatef("submission %d is %s, results can only be decided in %v",
				id, sub.Status, datatypes.ResultApprovableStatuses)
		}
		moves.move(sub, target, actor, req.Comment, s.clock())
		if err := s.extInfo(ctx, sub); err != nil {
			return err
		}
		if err := tx.SaveSubmission(sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("submission result decided", "submission_id", id, "status", result.Status, "actor_id", actor.ID)
	s.notifier.NotifyOwners(ctx, owners, result)
	return result, nil
}

// ReportStatus accepts a worker callback authenticated by the submission's
// update password.
//
// Description:
//
//	The submission must be STARTING, IN_PROGRESS or QUEUE_PROCESSING. The
//	stdout fragment is appended and the stdout date set (from the update
//	when given). STARTING and QUEUE_PROCESSING move to IN_PROGRESS with a
//	system history element; a report while already IN_PROGRESS only
//	persists the log.
//
// Outputs:
//
//	*datatypes.Submission - The updated submission.
//	error - NotExist when id, password or status do not match; nothing is
//	modified then. Validation for an oversized fragment.
func (s *Service) ReportStatus(ctx context.Context, id int64, updatePassword string, update datatypes.StatusUpdate) (result *datatypes.Submission, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.ReportStatus")
	defer func(start time.Time) {
		s.metrics.RecordStatusReport(err == nil)
		s.finish(span, "report_status", start, err)
	}(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", id), attribute.Int("stdout.bytes", len(update.Stdout)))

	if err := update.Validate(); err != nil {
		return nil, err
	}

	var (
		owners  []datatypes.User
		changed bool
	)
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		sub, err := tx.FindSubmissionByIDAndUpdatePasswordAndStatusIn(id, updatePassword, datatypes.ReportableStatuses)
		if err != nil {
			return err
		}
		now := s.clock()
		sub.AppendStdout(update.Stdout, now)
		if update.StdoutDate != nil {
			stamp := update.StdoutDate.UTC()
			sub.StdoutDate = &stamp
		}
		changed = sub.Status.CollapsesToInProgress()
		if changed {
			moves.move(sub, datatypes.StatusInProgress, nil, "", now)
			if owners, err = ownersOf(tx, sub); err != nil {
				return err
			}
		}
		if err := tx.SaveSubmission(sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("worker reported liveness", "submission_id", id)
		s.notifier.NotifyOwners(ctx, owners, result)
	}
	return result, nil
}

// ChangeSubmissionState force-sets the status by name and records a system
// history element.
//
// This is an administrative override: the transition graph is not
// consulted and any status may follow any other.
//
// Outputs:
//
//	error - Validation for an unknown status name, NotExist for an unknown
//	submission.
func (s *Service) ChangeSubmissionState(ctx context.Context, id int64, statusName string) (result *datatypes.Submission, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.ChangeSubmissionState")
	defer func(start time.Time) { s.finish(span, "change_submission_state", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", id), attribute.String("status", statusName))

	status, err := datatypes.ParseStatus(statusName)
	if err != nil {
		return nil, err
	}

	var (
		owners []datatypes.User
		from   datatypes.Status
	)
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		sub, err := tx.FindSubmission(id)
		if err != nil {
			return err
		}
		from = sub.Status
		moves.move(sub, status, nil, "", s.clock())
		if err := tx.SaveSubmission(sub); err != nil {
			return err
		}
		// A missing data source must not block an administrative override.
		owners, _ = ownersOf(tx, sub)
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("submission state forced", "submission_id", id, "from", from, "to", status)
	s.notifier.NotifyOwners(ctx, owners, result)
	return result, nil
}
