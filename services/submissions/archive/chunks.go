// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

// DefaultChunkSize is used by SplitGroupArchive when chunkSize <= 0.
const DefaultChunkSize int64 = 10 << 20

// partSuffix marks a chunk that is still being written.
const partSuffix = ".part"

// ChunkName is the file name of the n-th (1-based) chunk of a group archive.
func ChunkName(groupID int64, n int) string {
	return fmt.Sprintf("submission_%d.zip.%03d", groupID, n)
}

// GetArchiveChunk resolves a chunk of the submission's group archive for a
// worker authenticated by (id, updatePassword).
//
// Description:
//
//	The lookup does not filter by status. fileName must be a bare file name;
//	anything that could address a path outside the split folder is treated
//	as not found.
//
// Outputs:
//
//	string - Absolute path of the chunk file.
//	error - FileNotFound for a bad name, an unknown submission, a wrong
//	password, or a missing chunk.
func (c *Codec) GetArchiveChunk(ctx context.Context, submissionID int64, updatePassword, fileName string) (string, error) {
	ctx, span := archiveTracer.Start(ctx, "Codec.GetArchiveChunk")
	defer span.End()
	span.SetAttributes(attribute.Int64("submission.id", submissionID), attribute.String("chunk.name", fileName))

	if !isBareName(fileName) || strings.HasSuffix(fileName, partSuffix) {
		span.SetStatus(codes.Error, "invalid chunk name")
		return "", datatypes.FileNotFound(fileName, nil)
	}

	var groupID int64
	err := c.store.View(ctx, func(tx storage.Tx) error {
		s, err := tx.FindSubmissionByIDAndUpdatePassword(submissionID, updatePassword)
		if err != nil {
			return err
		}
		groupID = s.GroupID
		return nil
	})
	if errors.Is(err, datatypes.ErrNotExist) {
		c.logger.Warn("archive chunk requested with unknown credentials", "submission_id", submissionID)
		return "", datatypes.FileNotFound(fileName, nil)
	}
	if err != nil {
		return "", err
	}

	p := filepath.Join(c.layout.SplitFolder(groupID), fileName)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		span.SetStatus(codes.Error, "chunk missing")
		return "", datatypes.FileNotFound(fileName, err)
	}
	return p, nil
}

func isBareName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// SplitGroupArchive writes the group archive into numbered chunk files in
// the group's split folder and returns the chunk names in order.
//
// Any previous split output is replaced. Concatenating the chunks in order
// yields the archive produced by WriteGroupArchive.
func (c *Codec) SplitGroupArchive(ctx context.Context, group *datatypes.SubmissionGroup, chunkSize int64) ([]string, error) {
	ctx, span := archiveTracer.Start(ctx, "Codec.SplitGroupArchive")
	defer span.End()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	folder := c.layout.SplitFolder(group.ID)
	if err := os.RemoveAll(folder); err != nil {
		return nil, fmt.Errorf("clear split folder: %w", err)
	}
	if err := os.MkdirAll(folder, 0750); err != nil {
		return nil, fmt.Errorf("create split folder: %w", err)
	}

	cw := &chunkWriter{dir: folder, groupID: group.ID, size: chunkSize}
	err := c.WriteGroupArchive(ctx, group, cw)
	if closeErr := cw.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		_ = os.RemoveAll(folder)
		return nil, err
	}

	span.SetAttributes(attribute.Int("archive.chunks", len(cw.names)))
	c.logger.Info("group archive split", "group_id", group.ID, "chunks", len(cw.names))
	return cw.names, nil
}

// chunkWriter spreads a byte stream over size-limited files. Each chunk is
// written as <name>.part and renamed once it is complete, so a reader never
// observes a truncated chunk under its final name.
type chunkWriter struct {
	dir     string
	groupID int64
	size    int64

	cur     *os.File
	curName string
	written int64
	names   []string
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.cur == nil || w.written == w.size {
			if err := w.next(); err != nil {
				return total, err
			}
		}
		n := int64(len(p))
		if room := w.size - w.written; n > room {
			n = room
		}
		m, err := w.cur.Write(p[:n])
		total += m
		w.written += int64(m)
		if err != nil {
			return total, err
		}
		p = p[m:]
	}
	return total, nil
}

func (w *chunkWriter) next() error {
	if err := w.closeCurrent(); err != nil {
		return err
	}
	name := ChunkName(w.groupID, len(w.names)+1)
	f, err := os.OpenFile(filepath.Join(w.dir, name+partSuffix), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", name, err)
	}
	w.cur, w.curName, w.written = f, name, 0
	return nil
}

// closeCurrent syncs and closes the open chunk, then publishes it under its
// final name.
func (w *chunkWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	f, name := w.cur, w.curName
	w.cur, w.curName = nil, ""

	part := filepath.Join(w.dir, name+partSuffix)
	err := f.Sync()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(part, filepath.Join(w.dir, name))
	}
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("finish chunk %s: %w", name, err)
	}
	w.names = append(w.names, name)
	return nil
}

// Close finishes the last chunk.
func (w *chunkWriter) Close() error {
	return w.closeCurrent()
}

var _ io.WriteCloser = (*chunkWriter)(nil)
