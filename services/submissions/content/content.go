// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content provides the path-addressed content store used for
// submission result files.
//
// Paths are logical, slash-separated and absolute, e.g.
// "/submissions/12/results/summary.csv". Two backends exist: LocalStore
// (filesystem with a BadgerDB metadata index) and GCSStore (Google Cloud
// Storage with metadata on the objects).
package content

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// FileMeta describes a stored file.
type FileMeta struct {
	UUID        string    `json:"uuid"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedBy   *int64    `json:"createdBy,omitempty"`
	Created     time.Time `json:"created"`
}

// QuerySpec filters a Search. Path restricts results to a directory and
// everything beneath it. Name, when set, matches a case-insensitive
// substring of the file name.
type QuerySpec struct {
	Path string
	Name string
}

// Store is the content store contract.
type Store interface {
	// Save copies localFile into logicalDir under its base name, replacing
	// any file already stored at that path.
	Save(ctx context.Context, logicalDir, localFile string, createdBy *int64) (*FileMeta, error)

	// GetByPath fails with datatypes.ErrFileNotFound when nothing is stored
	// at path.
	GetByPath(ctx context.Context, path string) (*FileMeta, error)

	// GetByUUID fails with datatypes.ErrFileNotFound for unknown uuids.
	GetByUUID(ctx context.Context, uuid string) (*FileMeta, error)

	// Search returns matching files ordered by path.
	Search(ctx context.Context, q QuerySpec) ([]FileMeta, error)

	// Open streams the content stored at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the file at path. Deleting a missing path fails with
	// datatypes.ErrFileNotFound.
	Delete(ctx context.Context, path string) error
}

// CleanPath normalises a logical path: slash-separated, absolute, no
// trailing slash, no dot segments.
func CleanPath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

// Matches reports whether meta satisfies q.
func (q QuerySpec) Matches(meta FileMeta) bool {
	if q.Path != "" {
		dir := CleanPath(q.Path)
		if dir != "/" && meta.Path != dir && !strings.HasPrefix(meta.Path, dir+"/") {
			return false
		}
	}
	if q.Name != "" && !strings.Contains(strings.ToLower(meta.Name), strings.ToLower(q.Name)) {
		return false
	}
	return true
}

func notFound(p string, cause error) error {
	return datatypes.FileNotFound(p, cause)
}
