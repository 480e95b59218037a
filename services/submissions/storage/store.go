// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the transactional repository of the submission
// service.
//
// Every lifecycle transition runs inside one Store.Update call: read the
// current state, validate, write status and history. Backends guarantee that
// two concurrent Update calls touching the same submission cannot both
// commit on a stale read (BadgerDB through optimistic conflict detection and
// retry, Postgres through row locks).
//
// Finders return an error matching datatypes.ErrNotExist when no row
// matches, including when a password or status filter excludes it.
package storage

import (
	"context"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// Store opens transactions.
type Store interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil. fn may be invoked more than once when the backend
	// retries a conflicting commit, so it must not have side effects outside
	// the transaction other than idempotent file I/O.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the backend.
	Close() error
}

// Tx is the repository surface available inside a transaction.
type Tx interface {
	SubmissionRepository
	GroupRepository
	CatalogRepository
}

// SubmissionRepository persists submissions with their history and result
// files as one aggregate.
type SubmissionRepository interface {
	// CreateSubmission assigns an ID and persists s, including the history
	// and result files it already carries.
	CreateSubmission(s *datatypes.Submission) error

	// SaveSubmission persists every field of s. New history elements and
	// result files (ID == 0) are assigned IDs. Result files no longer present
	// in s are not removed; use DeleteResultFile.
	SaveSubmission(s *datatypes.Submission) error

	FindSubmission(id int64) (*datatypes.Submission, error)
	FindSubmissionByIDAndStatusIn(id int64, statuses []datatypes.Status) (*datatypes.Submission, error)
	FindSubmissionByIDAndUpdatePassword(id int64, password string) (*datatypes.Submission, error)
	FindSubmissionByIDAndUpdatePasswordAndStatusIn(id int64, password string, statuses []datatypes.Status) (*datatypes.Submission, error)
	FindSubmissionByIDAndToken(id int64, token string) (*datatypes.Submission, error)
	FindSubmissionsByIDIn(ids []int64) ([]datatypes.Submission, error)
	FindSubmissionsByGroupID(groupID int64) ([]datatypes.Submission, error)

	// DeleteSubmission removes the submission with its history and result
	// file records. Stored result content is removed by the caller first.
	DeleteSubmission(id int64) error

	ListStatusHistory(submissionID int64) ([]datatypes.StatusHistoryElement, error)

	// FindResultFileByUUID returns the result file and its owning
	// submission ID.
	FindResultFileByUUID(uuid string) (*datatypes.ResultFile, error)
	DeleteResultFile(id int64) error
}

// GroupRepository persists submission groups with their files.
type GroupRepository interface {
	CreateGroup(g *datatypes.SubmissionGroup) error
	FindGroup(id int64) (*datatypes.SubmissionGroup, error)
	DeleteGroup(id int64) error
}

// CatalogRepository holds the minimal collaborator records: data sources
// with their owners, and analyses with their files.
type CatalogRepository interface {
	SaveDataSource(ds *datatypes.DataSource) error
	FindDataSource(id int64) (*datatypes.DataSource, error)
	SaveAnalysis(a *datatypes.Analysis) error
	FindAnalysis(id int64) (*datatypes.Analysis, error)
}
