// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package content

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	pbadger "github.com/AleutianAI/SubmissionPortal/services/submissions/storage/badger"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := pbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewLocalStore(t.TempDir(), db)
	require.NoError(t, err)
	return s
}

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0640))
	return p
}

func readAll(t *testing.T, s Store, p string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "/a/b", CleanPath("a/b/"))
	assert.Equal(t, "/b", CleanPath("/a/../b"))
	assert.Equal(t, "/", CleanPath(""))
}

func TestQuerySpec_Matches(t *testing.T) {
	meta := FileMeta{Path: "/submissions/1/results/plots/Chart.png", Name: "Chart.png"}

	assert.True(t, QuerySpec{}.Matches(meta))
	assert.True(t, QuerySpec{Path: "/submissions/1/results"}.Matches(meta))
	assert.False(t, QuerySpec{Path: "/submissions/1/res"}.Matches(meta))
	assert.True(t, QuerySpec{Name: "chart"}.Matches(meta))
	assert.False(t, QuerySpec{Name: "table"}.Matches(meta))
}

// runStoreContract checks the behavior every Store backend shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveAndLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := int64(42)

		meta, err := s.Save(ctx, "/submissions/1/results", writeTemp(t, "out.txt", "hello"), &owner)
		require.NoError(t, err)

		assert.Equal(t, "/submissions/1/results/out.txt", meta.Path)
		assert.Equal(t, "out.txt", meta.Name)
		assert.Equal(t, int64(5), meta.Size)
		assert.NotEmpty(t, meta.UUID)
		require.NotNil(t, meta.CreatedBy)
		assert.Equal(t, owner, *meta.CreatedBy)
		assert.Contains(t, meta.ContentType, "text/plain")

		byPath, err := s.GetByPath(ctx, meta.Path)
		require.NoError(t, err)
		assert.Equal(t, meta.UUID, byPath.UUID)
		assert.Equal(t, int64(5), byPath.Size)
		require.NotNil(t, byPath.CreatedBy)
		assert.Equal(t, owner, *byPath.CreatedBy)

		byUUID, err := s.GetByUUID(ctx, meta.UUID)
		require.NoError(t, err)
		assert.Equal(t, meta.Path, byUUID.Path)

		assert.Equal(t, "hello", readAll(t, s, meta.Path))
	})

	t.Run("SaveReplacesSamePath", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Save(ctx, "/r", writeTemp(t, "a.txt", "one"), nil)
		require.NoError(t, err)
		second, err := s.Save(ctx, "/r", writeTemp(t, "a.txt", "two"), nil)
		require.NoError(t, err)

		assert.NotEqual(t, first.UUID, second.UUID)
		_, err = s.GetByUUID(ctx, first.UUID)
		assert.ErrorIs(t, err, datatypes.ErrFileNotFound)
		assert.Equal(t, "two", readAll(t, s, "/r/a.txt"))
	})

	t.Run("Search", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Save(ctx, "/submissions/1/results", writeTemp(t, "summary.csv", "a,b"), nil)
		require.NoError(t, err)
		_, err = s.Save(ctx, "/submissions/1/results/plots", writeTemp(t, "chart.png", "png"), nil)
		require.NoError(t, err)
		_, err = s.Save(ctx, "/submissions/12/results", writeTemp(t, "other.csv", "x"), nil)
		require.NoError(t, err)

		all, err := s.Search(ctx, QuerySpec{Path: "/submissions/1/results"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "/submissions/1/results/plots/chart.png", all[0].Path)
		assert.Equal(t, "/submissions/1/results/summary.csv", all[1].Path)

		named, err := s.Search(ctx, QuerySpec{Path: "/submissions/1/results", Name: "SUMMARY"})
		require.NoError(t, err)
		require.Len(t, named, 1)

		everything, err := s.Search(ctx, QuerySpec{})
		require.NoError(t, err)
		assert.Len(t, everything, 3)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		meta, err := s.Save(ctx, "/r", writeTemp(t, "a.txt", "x"), nil)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, meta.Path))

		_, err = s.GetByPath(ctx, meta.Path)
		assert.ErrorIs(t, err, datatypes.ErrFileNotFound)
		_, err = s.GetByUUID(ctx, meta.UUID)
		assert.ErrorIs(t, err, datatypes.ErrFileNotFound)
		_, err = s.Open(ctx, meta.Path)
		assert.ErrorIs(t, err, datatypes.ErrFileNotFound)
		assert.ErrorIs(t, s.Delete(ctx, meta.Path), datatypes.ErrFileNotFound)
	})

	t.Run("SaveMissingSource", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Save(context.Background(), "/r", filepath.Join(t.TempDir(), "missing"), nil)
		assert.ErrorIs(t, err, datatypes.ErrFileNotFound)
	})
}

func TestLocalStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newLocalStore(t) })
}

// =============================================================================
// GCS helpers
// =============================================================================

func TestJoinObjectName(t *testing.T) {
	assert.Equal(t, "submissions/1/results/a.txt", joinObjectName("", "/submissions/1/results/a.txt"))
	assert.Equal(t, "portal/submissions/1/a.txt", joinObjectName("portal", "/submissions/1/a.txt"))
}

func TestMetadataRoundTrip(t *testing.T) {
	createdBy := int64(5)
	meta := &FileMeta{UUID: "u-1", Path: "/r/a.txt", CreatedBy: &createdBy}
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	got := metaFromAttrs("/r/a.txt", &storage.ObjectAttrs{
		Metadata:    metadataFor(meta),
		ContentType: "text/plain",
		Size:        3,
		Created:     created,
	})

	assert.Equal(t, "u-1", got.UUID)
	assert.Equal(t, "a.txt", got.Name)
	require.NotNil(t, got.CreatedBy)
	assert.Equal(t, int64(5), *got.CreatedBy)
	assert.Equal(t, created, got.Created)
}

func TestNewGCSStore_RequiresBucket(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{})
	assert.Error(t, err)
}
