// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/content"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/observability"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
	pbadger "github.com/AleutianAI/SubmissionPortal/services/submissions/storage/badger"
)

var (
	owner    = datatypes.User{ID: 10, Username: "owner"}
	stranger = datatypes.User{ID: 11, Username: "stranger"}
	author   = datatypes.User{ID: 20, Username: "author"}
)

const workerPassword = "update-pw"

type fixture struct {
	mgr     *Manager
	store   *pbadger.Store
	content *content.LocalStore
	layout  layout.Layout
	metrics *observability.Metrics
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := pbadger.OpenStore(pbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cs, err := content.NewLocalStore(t.TempDir(), store.DB())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	f := &fixture{
		store:   store,
		content: cs,
		layout:  layout.New(t.TempDir(), ""),
		metrics: observability.NewMetrics(reg),
		reg:     reg,
	}
	f.mgr = NewManager(store, cs, f.layout, WithLogger(logging.Nop()), WithMetrics(f.metrics))

	require.NoError(t, store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.SaveDataSource(&datatypes.DataSource{
			ID: 1, Name: "cdm",
			DataNode: datatypes.DataNode{ID: 1, Name: "node-a", Owners: []datatypes.User{owner}},
		})
	}))
	return f
}

// submission stores a submission directly in status.
func (f *fixture) submission(t *testing.T, status datatypes.Status) int64 {
	t.Helper()
	sub := &datatypes.Submission{
		Author:         author,
		AnalysisID:     2,
		DataSourceID:   1,
		GroupID:        1,
		Token:          "token",
		UpdatePassword: workerPassword,
		Created:        time.Now().UTC(),
	}
	sub.MoveTo(status, &author, "", sub.Created)
	require.NoError(t, f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.CreateSubmission(sub)
	}))
	return sub.ID
}

func (f *fixture) setStatus(t *testing.T, id int64, status datatypes.Status) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx storage.Tx) error {
		sub, err := tx.FindSubmission(id)
		if err != nil {
			return err
		}
		sub.MoveTo(status, nil, "", time.Now().UTC())
		return tx.SaveSubmission(sub)
	}))
}

// counterValue sums the named counter, restricted to series carrying
// label value when one is given.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabelValue(m.GetLabel(), label) {
				continue
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabelValue(pairs []*dto.LabelPair, value string) bool {
	for _, p := range pairs {
		if p.GetValue() == value {
			return true
		}
	}
	return false
}

func (f *fixture) upload(t *testing.T, id int64, label, filename, body string) *datatypes.ResultFile {
	t.Helper()
	rf, err := f.mgr.UploadResultsByDataOwner(context.Background(), &owner, id, label,
		Upload{Filename: filename, Content: strings.NewReader(body)})
	require.NoError(t, err)
	return rf
}

func (f *fixture) stored(t *testing.T, id int64) *datatypes.Submission {
	t.Helper()
	var sub *datatypes.Submission
	require.NoError(t, f.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		sub, err = tx.FindSubmission(id)
		return err
	}))
	return sub
}

// =============================================================================
// Upload
// =============================================================================

func TestUploadResultsByDataOwner_StoresFile(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)

	rf := f.upload(t, id, "", `C:\work\summary.csv`, "a,b\n1,2\n")

	assert.Equal(t, "/submissions/1/results/summary.csv", rf.Path)
	require.NotNil(t, rf.CreatedBy)
	assert.Equal(t, owner.ID, *rf.CreatedBy)
	assert.NotZero(t, rf.ID)

	sub := f.stored(t, id)
	require.Len(t, sub.ResultFiles, 1)
	assert.Equal(t, rf.UUID, sub.ResultFiles[0].UUID)

	staged, err := os.ReadFile(filepath.Join(f.layout.ResultStaging(id), "summary.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(staged))

	meta, err := f.content.GetByPath(context.Background(), rf.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(8), meta.Size)
	assert.Equal(t, 1.0, counterValue(t, f.reg, "portal_submissions_result_uploads_total", ""))
}

func TestUploadResultsByDataOwner_LabelOverridesFilename(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)

	rf := f.upload(t, id, "report.txt", "draft-7.txt", "done")
	assert.Equal(t, "/submissions/1/results/report.txt", rf.Path)
}

func TestUploadResultsByDataOwner_ReplacesSamePath(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)

	first := f.upload(t, id, "", "out.txt", "v1")
	second := f.upload(t, id, "", "out.txt", "v2")

	assert.NotEqual(t, first.UUID, second.UUID)
	sub := f.stored(t, id)
	require.Len(t, sub.ResultFiles, 1)
	assert.Equal(t, second.UUID, sub.ResultFiles[0].UUID)

	_, rc, err := f.mgr.DownloadResultFile(context.Background(), &owner, id, second.UUID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))

	_, err = f.mgr.GetResultFileAndCheckPermission(context.Background(), &owner, first.UUID)
	assert.ErrorIs(t, err, datatypes.ErrNotExist)
}

func TestUploadResultsByDataOwner_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		status   datatypes.Status
		actor    *datatypes.User
		label    string
		filename string
		body     io.Reader
		wantErr  error
	}{
		{"no actor", datatypes.StatusInProgress, nil, "", "a.txt", strings.NewReader("x"), datatypes.ErrValidation},
		{"no name", datatypes.StatusInProgress, &owner, "", "", strings.NewReader("x"), datatypes.ErrValidation},
		{"dot dot", datatypes.StatusInProgress, &owner, "..", "", strings.NewReader("x"), datatypes.ErrValidation},
		{"label with slash", datatypes.StatusInProgress, &owner, "a/b.txt", "", strings.NewReader("x"), datatypes.ErrValidation},
		{"no content", datatypes.StatusInProgress, &owner, "", "a.txt", nil, datatypes.ErrValidation},
		{"not owner", datatypes.StatusInProgress, &stranger, "", "a.txt", strings.NewReader("x"), datatypes.ErrPermissionDenied},
		{"pending", datatypes.StatusPending, &owner, "", "a.txt", strings.NewReader("x"), datatypes.ErrIllegalState},
		{"executed", datatypes.StatusExecuted, &owner, "", "a.txt", strings.NewReader("x"), datatypes.ErrIllegalState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submission(t, tt.status)

			_, err := f.mgr.UploadResultsByDataOwner(context.Background(), tt.actor, id, tt.label,
				Upload{Filename: tt.filename, Content: tt.body})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.stored(t, id).ResultFiles)
		})
	}
}

func TestUploadResultsByDataOwner_UnknownSubmission(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.UploadResultsByDataOwner(context.Background(), &owner, 99, "",
		Upload{Filename: "a.txt", Content: strings.NewReader("x")})
	assert.ErrorIs(t, err, datatypes.ErrNotExist)
}

// racingStore runs before ahead of the next Update, like a transition
// that commits between an upload's check and its write.
type racingStore struct {
	storage.Store
	before func()
}

func (s *racingStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if hook := s.before; hook != nil {
		s.before = nil
		hook()
	}
	return s.Store.Update(ctx, fn)
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	return names
}

func TestUploadResultsByDataOwner_TransitionDuringUploadLeavesNoContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submission(t, datatypes.StatusInProgress)
	racing := &racingStore{Store: f.store, before: func() { f.setStatus(t, id, datatypes.StatusExecuted) }}
	mgr := NewManager(racing, f.content, f.layout, WithLogger(logging.Nop()))

	_, err := mgr.UploadResultsByDataOwner(ctx, &owner, id, "",
		Upload{Filename: "leak.csv", Content: strings.NewReader("secret")})
	require.ErrorIs(t, err, datatypes.ErrIllegalState)
	assert.Empty(t, f.stored(t, id).ResultFiles)

	_, err = f.content.GetByPath(ctx, path.Join(layout.ResultFilesDir(id, ""), "leak.csv"))
	assert.ErrorIs(t, err, datatypes.ErrFileNotFound)

	f.setStatus(t, id, datatypes.StatusExecutedPublished)
	entries, err := f.mgr.GetResultFiles(ctx, &stranger, id, datatypes.ResultFileSearch{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	var buf bytes.Buffer
	require.NoError(t, f.mgr.GetSubmissionResultAllFiles(ctx, &stranger, id, &buf))
	assert.Empty(t, zipNames(t, buf.Bytes()))
}

func TestUploadResultsByDataOwner_FailedReplaceKeepsRegisteredContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submission(t, datatypes.StatusInProgress)
	first := f.upload(t, id, "", "out.txt", "v1")

	racing := &racingStore{Store: f.store, before: func() { f.setStatus(t, id, datatypes.StatusExecuted) }}
	mgr := NewManager(racing, f.content, f.layout, WithLogger(logging.Nop()))
	_, err := mgr.UploadResultsByDataOwner(ctx, &owner, id, "",
		Upload{Filename: "out.txt", Content: strings.NewReader("v2")})
	require.ErrorIs(t, err, datatypes.ErrIllegalState)

	sub := f.stored(t, id)
	require.Len(t, sub.ResultFiles, 1)
	assert.Equal(t, first.UUID, sub.ResultFiles[0].UUID)
	_, err = f.content.GetByPath(ctx, first.Path)
	assert.NoError(t, err)
}

// =============================================================================
// Worker results
// =============================================================================

func TestUploadWorkerResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submission(t, datatypes.StatusInProgress)

	rf, err := f.mgr.UploadWorkerResult(ctx, id, workerPassword,
		Upload{Filename: "engine/stdout.log", Content: strings.NewReader("ran")})
	require.NoError(t, err)
	assert.Equal(t, "/submissions/1/results/stdout.log", rf.Path)
	assert.Nil(t, rf.CreatedBy)

	sub := f.stored(t, id)
	require.Len(t, sub.ResultFiles, 1)
	assert.Nil(t, sub.ResultFiles[0].CreatedBy)

	entries, err := f.mgr.GetResultFiles(ctx, &owner, id, datatypes.ResultFileSearch{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stdout.log", entries[0].RelativePath)
	assert.Nil(t, entries[0].CreatedBy)
}

func TestUploadWorkerResult_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		status   datatypes.Status
		password string
		body     io.Reader
		wantErr  error
	}{
		{"wrong password", datatypes.StatusInProgress, "guess", strings.NewReader("x"), datatypes.ErrNotExist},
		{"not running", datatypes.StatusPending, workerPassword, strings.NewReader("x"), datatypes.ErrNotExist},
		{"finished", datatypes.StatusExecuted, workerPassword, strings.NewReader("x"), datatypes.ErrNotExist},
		{"no content", datatypes.StatusInProgress, workerPassword, nil, datatypes.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submission(t, tt.status)

			_, err := f.mgr.UploadWorkerResult(context.Background(), id, tt.password,
				Upload{Filename: "out.csv", Content: tt.body})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.stored(t, id).ResultFiles)

			metas, err := f.content.Search(context.Background(), content.QuerySpec{Path: layout.ResultFilesDir(id, "")})
			require.NoError(t, err)
			assert.Empty(t, metas)
		})
	}
}

func TestCreateResultFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submission(t, datatypes.StatusInProgress)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cohort.json"), []byte(`{"n":3}`), 0640))

	rf, err := f.mgr.CreateResultFile(ctx, id, dir, "cohort.json", nil)
	require.NoError(t, err)
	assert.Nil(t, rf.CreatedBy)
	assert.Equal(t, "/submissions/1/results/cohort.json", rf.Path)

	_, err = f.mgr.CreateResultFile(ctx, id, dir, "../cohort.json", nil)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
	_, err = f.mgr.CreateResultFile(ctx, id, dir, "missing.json", nil)
	assert.ErrorIs(t, err, datatypes.ErrFileNotFound)

	f.setStatus(t, id, datatypes.StatusExecuted)
	_, err = f.mgr.CreateResultFile(ctx, id, dir, "cohort.json", nil)
	assert.ErrorIs(t, err, datatypes.ErrIllegalState)
	require.Len(t, f.stored(t, id).ResultFiles, 1)
}

// =============================================================================
// Visibility
// =============================================================================

func TestCheckVisibility(t *testing.T) {
	ds := &datatypes.DataSource{DataNode: datatypes.DataNode{Owners: []datatypes.User{owner}}}

	tests := []struct {
		status  datatypes.Status
		actor   *datatypes.User
		visible bool
	}{
		{datatypes.StatusExecutedPublished, &stranger, true},
		{datatypes.StatusFailedPublished, nil, true},
		{datatypes.StatusExecuted, &owner, true},
		{datatypes.StatusExecuted, &stranger, false},
		{datatypes.StatusInProgress, &author, false},
		{datatypes.StatusFailed, nil, false},
	}
	for _, tt := range tests {
		err := CheckVisibility(&datatypes.Submission{ID: 1, Status: tt.status}, ds, tt.actor)
		if tt.visible {
			assert.NoError(t, err, "%s", tt.status)
		} else {
			assert.ErrorIs(t, err, datatypes.ErrPermissionDenied, "%s", tt.status)
		}
	}
}

func TestGetResultFiles_FiltersAndRelativePaths(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)
	f.upload(t, id, "Summary.csv", "", "1")
	f.upload(t, id, "table.csv", "", "2")

	all, err := f.mgr.GetResultFiles(context.Background(), &owner, id, datatypes.ResultFileSearch{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Summary.csv", all[0].RelativePath)
	assert.Equal(t, "table.csv", all[1].RelativePath)

	named, err := f.mgr.GetResultFiles(context.Background(), &owner, id, datatypes.ResultFileSearch{RealName: "summary"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "Summary.csv", named[0].Name)

	nested, err := f.mgr.GetResultFiles(context.Background(), &owner, id, datatypes.ResultFileSearch{Path: "plots"})
	require.NoError(t, err)
	assert.Empty(t, nested)

	_, err = f.mgr.GetResultFiles(context.Background(), &stranger, id, datatypes.ResultFileSearch{})
	assert.ErrorIs(t, err, datatypes.ErrPermissionDenied)
}

func TestGetResultFiles_PublishedIsPublic(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)
	rf := f.upload(t, id, "", "out.txt", "ok")
	f.setStatus(t, id, datatypes.StatusExecutedPublished)

	entries, err := f.mgr.GetResultFiles(context.Background(), &stranger, id, datatypes.ResultFileSearch{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rf.UUID, entries[0].UUID)

	_, rc, err := f.mgr.DownloadResultFile(context.Background(), nil, id, rf.UUID)
	require.NoError(t, err)
	_ = rc.Close()
}

func TestGetResultFiles_IgnoresUnregisteredContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submission(t, datatypes.StatusInProgress)
	f.upload(t, id, "", "kept.csv", "1")

	orphan := filepath.Join(t.TempDir(), "orphan.csv")
	require.NoError(t, os.WriteFile(orphan, []byte("2"), 0640))
	_, err := f.content.Save(ctx, layout.ResultFilesDir(id, ""), orphan, nil)
	require.NoError(t, err)
	f.setStatus(t, id, datatypes.StatusExecutedPublished)

	entries, err := f.mgr.GetResultFiles(ctx, &stranger, id, datatypes.ResultFileSearch{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept.csv", entries[0].RelativePath)

	var buf bytes.Buffer
	require.NoError(t, f.mgr.GetSubmissionResultAllFiles(ctx, &stranger, id, &buf))
	assert.Equal(t, []string{"kept.csv"}, zipNames(t, buf.Bytes()))
}

func TestDownloadResultFile_WrongSubmission(t *testing.T) {
	f := newFixture(t)
	first := f.submission(t, datatypes.StatusInProgress)
	second := f.submission(t, datatypes.StatusInProgress)
	rf := f.upload(t, first, "", "out.txt", "ok")

	_, _, err := f.mgr.DownloadResultFile(context.Background(), &owner, second, rf.UUID)
	assert.ErrorIs(t, err, datatypes.ErrNotExist)

	_, _, err = f.mgr.DownloadResultFile(context.Background(), &owner, first, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotExist)
}

// =============================================================================
// Archive
// =============================================================================

func TestGetSubmissionResultAllFiles(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)
	f.upload(t, id, "b.txt", "", "bee")
	f.upload(t, id, "a.txt", "", "ay")

	var buf bytes.Buffer
	require.NoError(t, f.mgr.GetSubmissionResultAllFiles(context.Background(), &owner, id, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	got := map[string]string{}
	var names []string
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		got[zf.Name] = string(data)
		names = append(names, zf.Name)
	}
	assert.True(t, sort.StringsAreSorted(names))
	assert.Equal(t, map[string]string{"a.txt": "ay", "b.txt": "bee"}, got)
	assert.Greater(t, counterValue(t, f.reg, "portal_submissions_archive_bytes_total", "result"), 0.0)
}

func TestGetSubmissionResultAllFiles_Hidden(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)
	f.upload(t, id, "", "a.txt", "x")

	var buf bytes.Buffer
	err := f.mgr.GetSubmissionResultAllFiles(context.Background(), &stranger, id, &buf)
	assert.ErrorIs(t, err, datatypes.ErrPermissionDenied)
	assert.Zero(t, buf.Len())
}

func TestRequireDataOwner(t *testing.T) {
	f := newFixture(t)
	id := f.submission(t, datatypes.StatusInProgress)

	assert.NoError(t, f.mgr.RequireDataOwner(context.Background(), &owner, id))
	assert.ErrorIs(t, f.mgr.RequireDataOwner(context.Background(), &stranger, id), datatypes.ErrPermissionDenied)
	assert.ErrorIs(t, f.mgr.RequireDataOwner(context.Background(), nil, id), datatypes.ErrPermissionDenied)
	assert.ErrorIs(t, f.mgr.RequireDataOwner(context.Background(), &owner, 99), datatypes.ErrNotExist)
}
