// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive assembles ZIP archives of submission groups and results
// and serves the chunked delivery protocol used by remote workers.
//
// Archives are deterministic for a given input: entries are written in the
// stored order with modification times taken from the records.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

var archiveTracer = otel.Tracer("aleutian.submissions.archive")

// GroupArchiveName is the download name of a group archive.
func GroupArchiveName(groupID int64, at time.Time) string {
	return fmt.Sprintf("submission_%d_%d.zip", groupID, at.UnixMilli())
}

// ResultArchiveName is the download name of a result archive.
func ResultArchiveName(submissionID int64, at time.Time) string {
	return fmt.Sprintf("submission_result_%d_%d.zip", submissionID, at.UnixMilli())
}

// LegacyLocator finds snapshot files stored before the group layout.
type LegacyLocator interface {
	// Locate returns the path of file, or false when no legacy copy exists.
	Locate(ctx context.Context, group *datatypes.SubmissionGroup, file datatypes.SubmissionFile) (string, bool)
}

// LegacyFolderLocator looks in {legacyRoot}/{analysisId}/{uuid}.
type LegacyFolderLocator struct {
	Layout layout.Layout
}

// Locate implements LegacyLocator.
func (l LegacyFolderLocator) Locate(_ context.Context, group *datatypes.SubmissionGroup, file datatypes.SubmissionFile) (string, bool) {
	p := l.Layout.LegacyFile(group.AnalysisID, file.UUID)
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// ByteRecorder observes archive sizes. observability.Metrics satisfies it.
type ByteRecorder interface {
	RecordArchiveBytes(kind string, n int64)
}

// Codec builds group archives and resolves chunks.
type Codec struct {
	store   storage.Store
	layout  layout.Layout
	legacy  LegacyLocator
	logger  *logging.Logger
	metrics ByteRecorder
}

// Option configures a Codec.
type Option func(*Codec)

// WithLegacyLocator replaces the default LegacyFolderLocator.
func WithLegacyLocator(l LegacyLocator) Option {
	return func(c *Codec) { c.legacy = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// WithMetrics records archive sizes.
func WithMetrics(m ByteRecorder) Option {
	return func(c *Codec) { c.metrics = m }
}

// NewCodec creates a Codec.
func NewCodec(store storage.Store, l layout.Layout, opts ...Option) *Codec {
	c := &Codec{
		store:  store,
		layout: l,
		legacy: LegacyFolderLocator{Layout: l},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("component", "archive")
	return c
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WriteGroupArchive streams the group's files as a ZIP into w.
//
// Description:
//
//	Files are written in stored order and named by their real name;
//	duplicate names get a numeric suffix. Each file is read from the group
//	folder, falling back to the legacy locator.
//
// Outputs:
//
//	error - FileNotFound when a file exists in neither location. The
//	archive written so far is then incomplete.
func (c *Codec) WriteGroupArchive(ctx context.Context, group *datatypes.SubmissionGroup, w io.Writer) error {
	ctx, span := archiveTracer.Start(ctx, "Codec.WriteGroupArchive")
	defer span.End()
	span.SetAttributes(attribute.Int64("group.id", group.ID), attribute.Int("group.files", len(group.Files)))

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	names := newNameSet()

	for _, file := range group.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := c.locate(ctx, group, file)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "file missing")
			return err
		}
		if err := addFile(zw, names.unique(file.RealName), file.Updated, src); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish group archive %d: %w", group.ID, err)
	}

	if c.metrics != nil {
		c.metrics.RecordArchiveBytes("group", cw.n)
	}
	span.SetAttributes(attribute.Int64("archive.bytes", cw.n))
	return nil
}

// OpenGroupFile opens one snapshot file of group, falling back to the
// legacy location. The caller closes the reader.
func (c *Codec) OpenGroupFile(ctx context.Context, group *datatypes.SubmissionGroup, file datatypes.SubmissionFile) (io.ReadCloser, error) {
	p, err := c.locate(ctx, group, file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, datatypes.FileNotFound(file.RealName, err)
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

func (c *Codec) locate(ctx context.Context, group *datatypes.SubmissionGroup, file datatypes.SubmissionFile) (string, error) {
	primary := c.layout.GroupFile(group.ID, file.UUID)
	if info, err := os.Stat(primary); err == nil && info.Mode().IsRegular() {
		return primary, nil
	}
	if c.legacy != nil {
		if p, ok := c.legacy.Locate(ctx, group, file); ok {
			c.logger.Debug("serving legacy submission file", "group_id", group.ID, "uuid", file.UUID)
			return p, nil
		}
	}
	return "", datatypes.FileNotFound(file.RealName, nil)
}

func addFile(zw *zip.Writer, name string, modified time.Time, src string) error {
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return datatypes.FileNotFound(name, err)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	return addEntry(zw, name, modified, f)
}

func addEntry(zw *zip.Writer, name string, modified time.Time, r io.Reader) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	}
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, r); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}
	return nil
}

// ResultEntry is one file of a result archive.
type ResultEntry struct {
	// Path is the stored logical path of the file.
	Path     string
	Modified time.Time
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// WriteResultArchive streams entries as a ZIP into w and returns the bytes
// written. Entry names are the stored paths made relative to root.
func WriteResultArchive(ctx context.Context, w io.Writer, root string, entries []ResultEntry) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	names := newNameSet()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return cw.n, err
		}
		name, err := entryName(root, e.Path)
		if err != nil {
			return cw.n, err
		}
		rc, err := e.Open(ctx)
		if err != nil {
			return cw.n, err
		}
		err = addEntry(zw, names.unique(name), e.Modified, rc)
		_ = rc.Close()
		if err != nil {
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("finish result archive: %w", err)
	}
	return cw.n, nil
}

func entryName(root, stored string) (string, error) {
	cleanRoot := path.Clean("/" + filepath.ToSlash(root))
	cleaned := path.Clean("/" + filepath.ToSlash(stored))
	prefix := strings.TrimSuffix(cleanRoot, "/") + "/"
	if !strings.HasPrefix(cleaned, prefix) || cleaned == prefix {
		return "", datatypes.Validationf("archive entry '%s' is outside '%s'", stored, root)
	}
	return strings.TrimPrefix(cleaned, prefix), nil
}

// nameSet makes archive entry names unique: "a.txt", "a (1).txt", ...
type nameSet map[string]int

func newNameSet() nameSet { return make(nameSet) }

func (s nameSet) unique(name string) string {
	n, seen := s[name]
	s[name] = n + 1
	if !seen {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
	for {
		if _, taken := s[candidate]; !taken {
			s[candidate] = 1
			return candidate
		}
		n++
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
}
