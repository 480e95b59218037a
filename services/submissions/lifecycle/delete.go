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
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// DeleteSubmissionResultFile removes a manually uploaded result file from a
// running submission.
//
// Outputs:
//
//	error - NotExist if the submission is absent or the file does not
//	belong to it, IllegalState unless the submission is IN_PROGRESS,
//	Validation if the file was produced by the worker (CreatedBy nil).
func (s *Service) DeleteSubmissionResultFile(ctx context.Context, submissionID, fileID int64) (err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.DeleteSubmissionResultFile")
	defer func(start time.Time) { s.finish(span, "delete_result_file", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", submissionID), attribute.Int64("result_file.id", fileID))

	return s.store.Update(ctx, func(tx storage.Tx) error {
		sub, err := s.runningSubmission(tx, submissionID)
		if err != nil {
			return err
		}
		idx := sub.FindResultFile(fileID)
		if idx < 0 {
			return datatypes.NotExistf("ResultFile with id='%d' does not exist in submission %d", fileID, submissionID)
		}
		return s.removeResultFile(ctx, tx, sub, idx)
	})
}

// DeleteSubmissionResultFileByUUID is DeleteSubmissionResultFile addressed
// by the file's uuid.
func (s *Service) DeleteSubmissionResultFileByUUID(ctx context.Context, submissionID int64, uuid string) (err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.DeleteSubmissionResultFileByUUID")
	defer func(start time.Time) { s.finish(span, "delete_result_file", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", submissionID))

	return s.store.Update(ctx, func(tx storage.Tx) error {
		sub, err := s.runningSubmission(tx, submissionID)
		if err != nil {
			return err
		}
		idx := sub.FindResultFileByUUID(uuid)
		if idx < 0 {
			return datatypes.NotExistf("ResultFile with uuid='%s' does not exist in submission %d", uuid, submissionID)
		}
		return s.removeResultFile(ctx, tx, sub, idx)
	})
}

func (s *Service) runningSubmission(tx storage.Tx, id int64) (*datatypes.Submission, error) {
	sub, err := tx.FindSubmission(id)
	if err != nil {
		return nil, err
	}
	if sub.Status != datatypes.StatusInProgress {
		return nil, datatypes.IllegalStatef("submission %d is %s, result files can only change while %s",
			id, sub.Status, datatypes.StatusInProgress)
	}
	return sub, nil
}

// removeResultFile deletes content first, then the record. Content that is
// already gone is not an error, so a retried transaction converges.
func (s *Service) removeResultFile(ctx context.Context, tx storage.Tx, sub *datatypes.Submission, idx int) error {
	rf := sub.ResultFiles[idx]
	if rf.CreatedBy == nil {
		return datatypes.Validationf("result file %d was not uploaded manually and cannot be deleted", rf.ID)
	}
	if err := s.deleteContent(ctx, rf.Path); err != nil {
		return err
	}
	sub.RemoveResultFile(idx)
	if err := tx.DeleteResultFile(rf.ID); err != nil {
		return err
	}
	sub.Updated = s.clock()
	if err := tx.SaveSubmission(sub); err != nil {
		return err
	}
	s.logger.Info("result file deleted", "submission_id", sub.ID, "result_file_id", rf.ID)
	return nil
}

func (s *Service) deleteContent(ctx context.Context, path string) error {
	if s.content == nil {
		return errors.New("delete result content: no content store configured")
	}
	if err := s.content.Delete(ctx, path); err != nil && !errors.Is(err, datatypes.ErrFileNotFound) {
		return fmt.Errorf("delete result content %s: %w", path, err)
	}
	return nil
}

// DeleteSubmissions removes submissions with their history, result records
// and result content. Each submission is deleted in its own transaction;
// the first failure stops the cascade.
func (s *Service) DeleteSubmissions(ctx context.Context, ids []int64) (err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.DeleteSubmissions")
	defer func(start time.Time) { s.finish(span, "delete_submissions", start, err) }(time.Now())
	span.SetAttributes(attribute.Int("submissions", len(ids)))

	for _, id := range ids {
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			sub, err := tx.FindSubmission(id)
			if err != nil {
				return err
			}
			for _, rf := range sub.ResultFiles {
				if s.content != nil {
					if err := s.deleteContent(ctx, rf.Path); err != nil {
						return err
					}
				}
				if err := tx.DeleteResultFile(rf.ID); err != nil && !errors.Is(err, datatypes.ErrNotExist) {
					return err
				}
			}
			return tx.DeleteSubmission(id)
		})
		if err != nil {
			return err
		}
		if s.layout != nil {
			if err := os.RemoveAll(s.layout.ResultStaging(id)); err != nil {
				s.logger.Warn("failed to remove result staging folder", "submission_id", id, "error", err)
			}
		}
		s.logger.Info("submission deleted", "submission_id", id)
	}
	return nil
}

// DeleteSubmissionGroups removes groups and their snapshot folders.
//
// A group still referenced by a submission is rejected with IllegalState;
// delete its submissions first. The folder is removed after the record is
// committed.
func (s *Service) DeleteSubmissionGroups(ctx context.Context, ids []int64) (err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.DeleteSubmissionGroups")
	defer func(start time.Time) { s.finish(span, "delete_submission_groups", start, err) }(time.Now())
	span.SetAttributes(attribute.Int("groups", len(ids)))

	for _, id := range ids {
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			members, err := tx.FindSubmissionsByGroupID(id)
			if err != nil {
				return err
			}
			if len(members) > 0 {
				return datatypes.IllegalStatef("submission group %d is still used by %d submission(s)", id, len(members))
			}
			return tx.DeleteGroup(id)
		})
		if err != nil {
			return err
		}
		if s.layout != nil {
			if err := os.RemoveAll(s.layout.GroupFolder(id)); err != nil {
				return fmt.Errorf("remove folder of group %d: %w", id, err)
			}
		}
		s.logger.Info("submission group deleted", "group_id", id)
	}
	return nil
}
