// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results manages the result files of submissions: uploads by
// data-node owners, listings, downloads and the all-files archive.
//
// # Visibility
//
// Results of a published submission (EXECUTED_PUBLISHED, FAILED_PUBLISHED)
// are visible to everyone. Otherwise only an owner of the submission's data
// node may see them; everyone else gets PermissionDenied.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/archive"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/content"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/observability"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

var resultsTracer = otel.Tracer("aleutian.submissions.results")

// Upload is a file received from a data owner.
type Upload struct {
	// Filename is the client-side name; only its base is used.
	Filename string
	Content  io.Reader
}

// Entry is one listed result file.
type Entry struct {
	UUID         string    `json:"uuid"`
	Path         string    `json:"path"`
	RelativePath string    `json:"relativePath"`
	Name         string    `json:"name"`
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	CreatedBy    *int64    `json:"createdBy,omitempty"`
	Created      time.Time `json:"created"`
}

// Manager implements the result file operations.
type Manager struct {
	store   storage.Store
	content content.Store
	layout  layout.Layout
	metrics *observability.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records uploads and archive sizes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Manager) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Manager) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Manager) { r.now = now }
}

// NewManager creates a Manager.
func NewManager(store storage.Store, cs content.Store, l layout.Layout, opts ...Option) *Manager {
	m := &Manager{store: store, content: cs, layout: l, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With("component", "results")
	return m
}

// CheckVisibility applies the visibility rule to actor.
func CheckVisibility(sub *datatypes.Submission, ds *datatypes.DataSource, actor *datatypes.User) error {
	if sub.Status.IsPublished() {
		return nil
	}
	if ds != nil && ds.DataNode.IsOwner(actor) {
		return nil
	}
	return datatypes.PermissionDeniedf("results of submission %d are not published", sub.ID)
}

// RelativePath returns path relative to the submission's result root.
func (m *Manager) RelativePath(submissionID int64, path string) string {
	return layout.RelativeResultPath(submissionID, path)
}

// visible loads a submission and checks actor may see its results.
func (m *Manager) visible(ctx context.Context, actor *datatypes.User, submissionID int64) (*datatypes.Submission, error) {
	var sub *datatypes.Submission
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if sub, err = tx.FindSubmission(submissionID); err != nil {
			return err
		}
		ds, err := tx.FindDataSource(sub.DataSourceID)
		if err != nil {
			return err
		}
		return CheckVisibility(sub, ds, actor)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// RequireDataOwner fails with PermissionDenied unless actor owns the data
// node of the submission.
func (m *Manager) RequireDataOwner(ctx context.Context, actor *datatypes.User, submissionID int64) error {
	return m.store.View(ctx, func(tx storage.Tx) error {
		sub, err := tx.FindSubmission(submissionID)
		if err != nil {
			return err
		}
		ds, err := tx.FindDataSource(sub.DataSourceID)
		if err != nil {
			return err
		}
		if !ds.DataNode.IsOwner(actor) {
			return datatypes.PermissionDeniedf("user is not an owner of data node '%s'", ds.DataNode.Name)
		}
		return nil
	})
}

// UploadResultsByDataOwner stores an uploaded result file for a running
// submission.
//
// Description:
//
//	The file is named by label when given, else by the upload's base name.
//	It is written to the submission's staging folder, overwriting a file of
//	the same name, then saved to the content store under the result
//	directory with CreatedBy set to the actor. A prior result record for
//	the same path is replaced. If the record cannot be written, the saved
//	content is removed unless an existing record owns its path.
//
// Outputs:
//
//	*datatypes.ResultFile - The registered result file.
//	error - Validation for a missing actor or unusable name, NotExist for
//	an unknown submission, PermissionDenied unless actor owns the data
//	node, IllegalState unless the submission is IN_PROGRESS.
func (m *Manager) UploadResultsByDataOwner(ctx context.Context, actor *datatypes.User, submissionID int64, label string, upload Upload) (result *datatypes.ResultFile, err error) {
	ctx, span := resultsTracer.Start(ctx, "Manager.UploadResultsByDataOwner")
	defer func(start time.Time) {
		m.metrics.ObserveOperation("upload_result", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
		}
		span.End()
	}(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", submissionID))

	if actor == nil {
		return nil, datatypes.Validationf("an acting user is required")
	}
	name, err := uploadName(label, upload.Filename)
	if err != nil {
		return nil, err
	}
	if upload.Content == nil {
		return nil, datatypes.Validationf("upload '%s' has no content", name)
	}

	owned := func(tx storage.Tx) (*datatypes.Submission, error) {
		return m.runningOwned(tx, actor, submissionID)
	}
	if err := m.store.View(ctx, func(tx storage.Tx) error {
		_, err := owned(tx)
		return err
	}); err != nil {
		return nil, err
	}

	staged, err := m.stage(submissionID, name, upload.Content)
	if err != nil {
		return nil, err
	}
	result, meta, err := m.register(ctx, submissionID, staged, &actor.ID, owned)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordResultUpload()
	m.logger.Info("result file uploaded",
		"submission_id", submissionID,
		"path", meta.Path,
		"size", meta.Size,
		"actor_id", actor.ID,
	)
	return result, nil
}

// UploadWorkerResult stores a result file produced by the worker running
// the submission. The worker authenticates with (submissionID,
// updatePassword); a mismatch or a submission that is not IN_PROGRESS
// fails with NotExist. The file is registered without a creator, so users
// cannot delete it.
func (m *Manager) UploadWorkerResult(ctx context.Context, submissionID int64, updatePassword string, upload Upload) (result *datatypes.ResultFile, err error) {
	ctx, span := resultsTracer.Start(ctx, "Manager.UploadWorkerResult")
	defer func(start time.Time) {
		m.metrics.ObserveOperation("upload_worker_result", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
		}
		span.End()
	}(time.Now())
	span.SetAttributes(attribute.Int64("submission.id", submissionID))

	name, err := uploadName("", upload.Filename)
	if err != nil {
		return nil, err
	}
	if upload.Content == nil {
		return nil, datatypes.Validationf("upload '%s' has no content", name)
	}

	running := func(tx storage.Tx) (*datatypes.Submission, error) {
		return tx.FindSubmissionByIDAndUpdatePasswordAndStatusIn(submissionID, updatePassword,
			[]datatypes.Status{datatypes.StatusInProgress})
	}
	if err := m.store.View(ctx, func(tx storage.Tx) error {
		_, err := running(tx)
		return err
	}); err != nil {
		return nil, err
	}

	staged, err := m.stage(submissionID, name, upload.Content)
	if err != nil {
		return nil, err
	}
	result, meta, err := m.register(ctx, submissionID, staged, nil, running)
	if err != nil {
		return nil, err
	}
	m.logger.Info("worker result file stored", "submission_id", submissionID, "path", meta.Path, "size", meta.Size)
	return result, nil
}

// CreateResultFile registers fromDir/name as a result file of a running
// submission. createdBy is nil for files produced by the execution itself.
func (m *Manager) CreateResultFile(ctx context.Context, submissionID int64, fromDir, name string, createdBy *int64) (*datatypes.ResultFile, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, datatypes.Validationf("invalid result file name '%s'", name)
	}
	running := func(tx storage.Tx) (*datatypes.Submission, error) {
		sub, err := tx.FindSubmission(submissionID)
		if err != nil {
			return nil, err
		}
		if sub.Status != datatypes.StatusInProgress {
			return nil, datatypes.IllegalStatef("submission %d is %s, results can only be added while %s",
				submissionID, sub.Status, datatypes.StatusInProgress)
		}
		return sub, nil
	}
	if err := m.store.View(ctx, func(tx storage.Tx) error {
		_, err := running(tx)
		return err
	}); err != nil {
		return nil, err
	}
	result, meta, err := m.register(ctx, submissionID, filepath.Join(fromDir, name), createdBy, running)
	if err != nil {
		return nil, err
	}
	m.logger.Info("result file registered", "submission_id", submissionID, "path", meta.Path, "manual", createdBy != nil)
	return result, nil
}

// register saves staged into the submission's result directory and records
// it as a ResultFile of the submission returned by load, replacing a prior
// record for the same path. When recording fails the saved content is
// removed again.
func (m *Manager) register(ctx context.Context, submissionID int64, staged string, createdBy *int64,
	load func(tx storage.Tx) (*datatypes.Submission, error)) (*datatypes.ResultFile, *content.FileMeta, error) {
	meta, err := m.content.Save(ctx, layout.ResultFilesDir(submissionID, ""), staged, createdBy)
	if err != nil {
		return nil, nil, err
	}

	var result *datatypes.ResultFile
	err = m.store.Update(ctx, func(tx storage.Tx) error {
		sub, err := load(tx)
		if err != nil {
			return err
		}
		if idx := sub.FindResultFileByPath(meta.Path); idx >= 0 {
			prior := sub.RemoveResultFile(idx)
			if err := tx.DeleteResultFile(prior.ID); err != nil {
				return err
			}
		}
		rf := datatypes.ResultFile{UUID: meta.UUID, Path: meta.Path}
		if createdBy != nil {
			id := *createdBy
			rf.CreatedBy = &id
		}
		sub.ResultFiles = append(sub.ResultFiles, rf)
		sub.Updated = m.now().UTC()
		if err := tx.SaveSubmission(sub); err != nil {
			return err
		}
		stored := sub.ResultFiles[len(sub.ResultFiles)-1]
		result = &stored
		return nil
	})
	if err != nil {
		m.discard(ctx, submissionID, meta)
		return nil, nil, err
	}
	return result, meta, nil
}

// discard deletes content whose registration failed. A path still owned by
// a result record keeps its content.
func (m *Manager) discard(ctx context.Context, submissionID int64, meta *content.FileMeta) {
	ctx = context.WithoutCancel(ctx)
	owned := false
	err := m.store.View(ctx, func(tx storage.Tx) error {
		sub, err := tx.FindSubmission(submissionID)
		if err != nil {
			return err
		}
		owned = sub.FindResultFileByPath(meta.Path) >= 0
		return nil
	})
	if err != nil && !errors.Is(err, datatypes.ErrNotExist) {
		m.logger.Warn("could not check result ownership, keeping content", "submission_id", submissionID, "path", meta.Path, "error", err)
		return
	}
	if owned {
		return
	}
	if err := m.content.Delete(ctx, meta.Path); err != nil && !errors.Is(err, datatypes.ErrFileNotFound) {
		m.logger.Error("failed to remove unregistered result content", "submission_id", submissionID, "path", meta.Path, "error", err)
		return
	}
	m.logger.Info("removed unregistered result content", "submission_id", submissionID, "path", meta.Path)
}

func (m *Manager) runningOwned(tx storage.Tx, actor *datatypes.User, submissionID int64) (*datatypes.Submission, error) {
	sub, err := tx.FindSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	ds, err := tx.FindDataSource(sub.DataSourceID)
	if err != nil {
		return nil, err
	}
	if !ds.DataNode.IsOwner(actor) {
		return nil, datatypes.PermissionDeniedf("user is not an owner of data node '%s'", ds.DataNode.Name)
	}
	if sub.Status != datatypes.StatusInProgress {
		return nil, datatypes.IllegalStatef("submission %d is %s, results can only be uploaded while %s",
			submissionID, sub.Status, datatypes.StatusInProgress)
	}
	return sub, nil
}

func uploadName(label, filename string) (string, error) {
	name := strings.TrimSpace(label)
	if name == "" {
		name = strings.TrimSpace(filename)
		if i := strings.LastIndexAny(name, `/\`); i >= 0 {
			name = name[i+1:]
		}
	}
	if name == "" || name == "." || name == ".." || name == "/" || strings.ContainsAny(name, `/\`) {
		return "", datatypes.Validationf("invalid result file name '%s'", name)
	}
	return name, nil
}

func (m *Manager) stage(submissionID int64, name string, r io.Reader) (string, error) {
	dir := m.layout.ResultStaging(submissionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create result staging folder: %w", err)
	}
	target := filepath.Join(dir, name)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return "", fmt.Errorf("create staged result %s: %w", name, err)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write staged result %s: %w", name, err)
	}
	return target, nil
}

// GetResultFiles lists the visible result files of a submission.
//
// search.Path narrows the listing to a sub-directory of the result root;
// search.RealName matches a case-insensitive substring of the file name.
func (m *Manager) GetResultFiles(ctx context.Context, actor *datatypes.User, submissionID int64, search datatypes.ResultFileSearch) ([]Entry, error) {
	ctx, span := resultsTracer.Start(ctx, "Manager.GetResultFiles")
	defer span.End()

	sub, err := m.visible(ctx, actor, submissionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metas, err := m.content.Search(ctx, content.QuerySpec{
		Path: layout.ResultFilesDir(submissionID, search.Path),
		Name: search.RealName,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(metas))
	for _, meta := range metas {
		idx := sub.FindResultFileByPath(meta.Path)
		if idx < 0 {
			continue
		}
		entries = append(entries, Entry{
			UUID:         sub.ResultFiles[idx].UUID,
			Path:         meta.Path,
			RelativePath: m.RelativePath(submissionID, meta.Path),
			Name:         meta.Name,
			ContentType:  meta.ContentType,
			Size:         meta.Size,
			CreatedBy:    sub.ResultFiles[idx].CreatedBy,
			Created:      meta.Created,
		})
	}
	return entries, nil
}

// GetResultFileAndCheckPermission resolves a result file by uuid and
// applies the visibility rule of its submission.
func (m *Manager) GetResultFileAndCheckPermission(ctx context.Context, actor *datatypes.User, uuid string) (*datatypes.ResultFile, error) {
	var rf *datatypes.ResultFile
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if rf, err = tx.FindResultFileByUUID(uuid); err != nil {
			return err
		}
		sub, err := tx.FindSubmission(rf.SubmissionID)
		if err != nil {
			return err
		}
		ds, err := tx.FindDataSource(sub.DataSourceID)
		if err != nil {
			return err
		}
		return CheckVisibility(sub, ds, actor)
	})
	if err != nil {
		return nil, err
	}
	return rf, nil
}

// DownloadResultFile opens a visible result file of a submission. The
// caller closes the reader.
func (m *Manager) DownloadResultFile(ctx context.Context, actor *datatypes.User, submissionID int64, uuid string) (*content.FileMeta, io.ReadCloser, error) {
	ctx, span := resultsTracer.Start(ctx, "Manager.DownloadResultFile")
	defer span.End()

	rf, err := m.GetResultFileAndCheckPermission(ctx, actor, uuid)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	if rf.SubmissionID != submissionID {
		return nil, nil, datatypes.NotExistf("ResultFile with uuid='%s' does not exist in submission %d", uuid, submissionID)
	}
	meta, err := m.content.GetByPath(ctx, rf.Path)
	if err != nil {
		return nil, nil, err
	}
	rc, err := m.content.Open(ctx, rf.Path)
	if err != nil {
		return nil, nil, err
	}
	return meta, rc, nil
}

// GetSubmissionResultAllFiles streams every registered result file of a
// visible submission into w as a ZIP, ordered by path. Entry names are
// relative to the result root.
func (m *Manager) GetSubmissionResultAllFiles(ctx context.Context, actor *datatypes.User, submissionID int64, w io.Writer) error {
	ctx, span := resultsTracer.Start(ctx, "Manager.GetSubmissionResultAllFiles")
	defer span.End()

	sub, err := m.visible(ctx, actor, submissionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	files := make([]datatypes.ResultFile, len(sub.ResultFiles))
	copy(files, sub.ResultFiles)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	entries := make([]archive.ResultEntry, 0, len(files))
	for _, rf := range files {
		meta, err := m.content.GetByPath(ctx, rf.Path)
		if err != nil {
			span.RecordError(err)
			return err
		}
		p := rf.Path
		entries = append(entries, archive.ResultEntry{
			Path:     p,
			Modified: meta.Created,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return m.content.Open(ctx, p)
			},
		})
	}
	root := layout.ResultFilesDir(submissionID, "")
	n, err := archive.WriteResultArchive(ctx, w, root, entries)
	m.metrics.RecordArchiveBytes("result", n)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("archive.entries", len(entries)), attribute.Int64("archive.bytes", n))
	return nil
}
