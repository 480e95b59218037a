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

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// GetSubmission returns a submission by ID.
func (s *Service) GetSubmission(ctx context.Context, id int64) (*datatypes.Submission, error) {
	var sub *datatypes.Submission
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		sub, err = tx.FindSubmission(id)
		return err
	})
	return sub, err
}

// GetSubmissionByToken returns the submission when token matches, and
// NotExist otherwise.
func (s *Service) GetSubmissionByToken(ctx context.Context, id int64, token string) (*datatypes.Submission, error) {
	var sub *datatypes.Submission
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		sub, err = tx.FindSubmissionByIDAndToken(id, token)
		return err
	})
	return sub, err
}

// GetStatusHistory returns the history of a submission ordered by date.
func (s *Service) GetStatusHistory(ctx context.Context, id int64) ([]datatypes.StatusHistoryElement, error) {
	var history []datatypes.StatusHistoryElement
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		history, err = tx.ListStatusHistory(id)
		return err
	})
	return history, err
}

// GetSubmissionGroup returns a group with its files.
func (s *Service) GetSubmissionGroup(ctx context.Context, id int64) (*datatypes.SubmissionGroup, error) {
	var group *datatypes.SubmissionGroup
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		group, err = tx.FindGroup(id)
		return err
	})
	return group, err
}

// GetSubmissionFiles returns the files of a group in stored order.
func (s *Service) GetSubmissionFiles(ctx context.Context, groupID int64) ([]datatypes.SubmissionFile, error) {
	group, err := s.GetSubmissionGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return group.Files, nil
}

// GetSubmissionFile returns one file of a group by uuid.
func (s *Service) GetSubmissionFile(ctx context.Context, groupID int64, uuid string) (*datatypes.SubmissionFile, error) {
	group, err := s.GetSubmissionGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	file, ok := group.FindFile(uuid)
	if !ok {
		return nil, datatypes.NotExistf("SubmissionFile with uuid='%s' does not exist in group %d", uuid, groupID)
	}
	return file, nil
}

// GetAnalysis returns the analysis to submit.
func (s *Service) GetAnalysis(ctx context.Context, id int64) (*datatypes.Analysis, error) {
	var analysis *datatypes.Analysis
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		analysis, err = tx.FindAnalysis(id)
		return err
	})
	return analysis, err
}
