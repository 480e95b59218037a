// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the submission portal.
//
// Each constructor takes the narrow service interface it needs and returns
// a gin.HandlerFunc. Domain errors are mapped to status codes by
// writeError; anything else is logged and answered with 500.
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/content"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/results"
)

// SubmissionService is the lifecycle surface used by the handlers.
type SubmissionService interface {
	GetAnalysis(ctx context.Context, id int64) (*datatypes.Analysis, error)
	SubmitAnalysis(ctx context.Context, author *datatypes.User, analysis *datatypes.Analysis, dataSourceIDs []int64) ([]datatypes.Submission, *datatypes.SubmissionGroup, error)
	GetSubmission(ctx context.Context, id int64) (*datatypes.Submission, error)
	GetStatusHistory(ctx context.Context, id int64) ([]datatypes.StatusHistoryElement, error)
	GetSubmissionGroup(ctx context.Context, id int64) (*datatypes.SubmissionGroup, error)
	GetSubmissionFiles(ctx context.Context, groupID int64) ([]datatypes.SubmissionFile, error)
	GetSubmissionFile(ctx context.Context, groupID int64, uuid string) (*datatypes.SubmissionFile, error)
	ApproveSubmission(ctx context.Context, id int64, isApproved bool, comment string, actor *datatypes.User) (*datatypes.Submission, error)
	ApproveSubmissionResult(ctx context.Context, id int64, req datatypes.ApproveRequest, actor *datatypes.User) (*datatypes.Submission, error)
	ReportStatus(ctx context.Context, id int64, updatePassword string, update datatypes.StatusUpdate) (*datatypes.Submission, error)
	ChangeSubmissionState(ctx context.Context, id int64, statusName string) (*datatypes.Submission, error)
	DeleteSubmissionResultFile(ctx context.Context, submissionID, fileID int64) error
	DeleteSubmissionResultFileByUUID(ctx context.Context, submissionID int64, uuid string) error
}

// ResultService is the result file surface used by the handlers.
type ResultService interface {
	RequireDataOwner(ctx context.Context, actor *datatypes.User, submissionID int64) error
	UploadResultsByDataOwner(ctx context.Context, actor *datatypes.User, submissionID int64, label string, upload results.Upload) (*datatypes.ResultFile, error)
	UploadWorkerResult(ctx context.Context, submissionID int64, updatePassword string, upload results.Upload) (*datatypes.ResultFile, error)
	GetResultFiles(ctx context.Context, actor *datatypes.User, submissionID int64, search datatypes.ResultFileSearch) ([]results.Entry, error)
	DownloadResultFile(ctx context.Context, actor *datatypes.User, submissionID int64, uuid string) (*content.FileMeta, io.ReadCloser, error)
	GetSubmissionResultAllFiles(ctx context.Context, actor *datatypes.User, submissionID int64, w io.Writer) error
	RelativePath(submissionID int64, path string) string
}

// ArchiveService assembles and serves snapshot archives.
type ArchiveService interface {
	WriteGroupArchive(ctx context.Context, group *datatypes.SubmissionGroup, w io.Writer) error
	OpenGroupFile(ctx context.Context, group *datatypes.SubmissionGroup, file datatypes.SubmissionFile) (io.ReadCloser, error)
	GetArchiveChunk(ctx context.Context, submissionID int64, updatePassword, fileName string) (string, error)
}

// SocketServer upgrades a request into a notification subscription.
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, username string) error
}
