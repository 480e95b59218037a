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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// CreateSubmission creates one submission of group against a data source.
//
// Description:
//
//	The initial status comes from the StatusPolicy and is recorded as the
//	first history element with the author as actor. Token and update
//	password are fresh random UUIDs. The returned submission carries its
//	assigned ID. No notification is sent; SubmitAnalysis does that.
//
// Outputs:
//
//	error - Validation for a missing author, analysis or group, NotExist
//	for an unknown data source.
func (s *Service) CreateSubmission(ctx context.Context, author *datatypes.User, analysis *datatypes.Analysis, dataSourceID int64, group *datatypes.SubmissionGroup) (result *datatypes.Submission, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.CreateSubmission")
	defer func(start time.Time) { s.finish(span, "create_submission", start, err) }(time.Now())
	span.SetAttributes(attribute.Int64("data_source.id", dataSourceID))

	if err := validateCreate(author, analysis, group); err != nil {
		return nil, err
	}
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		sub, _, err := s.createInTx(tx, moves, author, analysis, dataSourceID, group)
		result = sub
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("submission created", "submission_id", result.ID, "status", result.Status, "data_source_id", dataSourceID)
	return result, nil
}

func validateCreate(author *datatypes.User, analysis *datatypes.Analysis, group *datatypes.SubmissionGroup) error {
	switch {
	case author == nil:
		return datatypes.Validationf("submission requires an author")
	case analysis == nil:
		return datatypes.Validationf("submission requires an analysis")
	case group == nil || group.ID == 0:
		return datatypes.Validationf("submission requires a persisted submission group")
	}
	return nil
}

func (s *Service) createInTx(tx storage.Tx, moves *transitions, author *datatypes.User, analysis *datatypes.Analysis, dataSourceID int64, group *datatypes.SubmissionGroup) (*datatypes.Submission, *datatypes.DataSource, error) {
	ds, err := tx.FindDataSource(dataSourceID)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock()
	sub := &datatypes.Submission{
		Author:         *author,
		AnalysisID:     analysis.ID,
		DataSourceID:   ds.ID,
		GroupID:        group.ID,
		Token:          s.newSecret(),
		UpdatePassword: s.newSecret(),
		Created:        now,
	}
	moves.move(sub, s.policy(ds, author), author, "", now)
	if err := tx.CreateSubmission(sub); err != nil {
		return nil, nil, err
	}
	return sub, ds, nil
}

// SubmitAnalysis snapshots analysis once and creates one submission per
// data source.
//
// Description:
//
//	The group is built first; all submissions are then created in a single
//	transaction, so either every data source gets a submission or none
//	does. On failure the fresh group is removed again. Owners of each data
//	source are notified of their new submission by mail and push.
//
// Outputs:
//
//	[]datatypes.Submission - The created submissions in input order.
//	*datatypes.SubmissionGroup - The shared snapshot.
//	error - Validation for an empty or repeated data source list,
//	NoExecutableFile or FileNotFound from the snapshot, NotExist for an
//	unknown data source.
func (s *Service) SubmitAnalysis(ctx context.Context, author *datatypes.User, analysis *datatypes.Analysis, dataSourceIDs []int64) (subs []datatypes.Submission, group *datatypes.SubmissionGroup, err error) {
	ctx, span := lifecycleTracer.Start(ctx, "Service.SubmitAnalysis")
	defer func(start time.Time) { s.finish(span, "submit_analysis", start, err) }(time.Now())
	span.SetAttributes(attribute.Int("data_sources", len(dataSourceIDs)))

	if s.builder == nil {
		return nil, nil, errors.New("submit analysis: no group builder configured")
	}
	req := datatypes.SubmitAnalysisRequest{DataSourceIDs: dataSourceIDs}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	seen := make(map[int64]struct{}, len(dataSourceIDs))
	for _, id := range dataSourceIDs {
		if _, dup := seen[id]; dup {
			return nil, nil, datatypes.Validationf("data source %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	if author == nil || analysis == nil {
		return nil, nil, validateCreate(author, analysis, nil)
	}

	group, err = s.builder.CreateSubmissionGroup(ctx, author, analysis)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int64("group.id", group.ID))

	var sources []*datatypes.DataSource
	err = s.update(ctx, func(tx storage.Tx, moves *transitions) error {
		subs, sources = subs[:0], sources[:0]
		for _, id := range dataSourceIDs {
			sub, ds, err := s.createInTx(tx, moves, author, analysis, id, group)
			if err != nil {
				return err
			}
			subs = append(subs, *sub)
			sources = append(sources, ds)
		}
		return nil
	})
	if err != nil {
		if cleanupErr := s.DeleteSubmissionGroups(ctx, []int64{group.ID}); cleanupErr != nil {
			s.logger.Warn("failed to remove orphaned submission group", "group_id", group.ID, "error", cleanupErr)
		}
		return nil, nil, err
	}

	for i := range subs {
		s.notifier.NotifyNewSubmission(ctx, sources[i].DataNode.Owners, &subs[i])
	}
	s.logger.Info("analysis submitted",
		"analysis_id", analysis.ID,
		"group_id", group.ID,
		"submissions", len(subs),
	)
	return subs, group, nil
}
