// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot freezes an analysis's files into a SubmissionGroup.
//
// # Description
//
// A group is built in three steps:
//
//  1. Every analysis file is copied into a staging directory under a fresh
//     uuid while its MD5 is computed.
//  2. The group checksum is computed over the staged contents ordered by
//     uuid.
//  3. In one store transaction the group record is created and the staging
//     directory is renamed to the group folder.
//
// A failure at any step removes the staging directory, so a group record
// never points at a partial folder.
package snapshot

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/layout"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/storage"
)

var snapshotTracer = otel.Tracer("aleutian.submissions.snapshot")

// ExecutablePolicy decides whether an analysis may be snapshotted.
type ExecutablePolicy func(analysis *datatypes.Analysis) error

// RequireExecutable rejects analyses without an executable file.
func RequireExecutable(analysis *datatypes.Analysis) error {
	if !analysis.HasExecutable() {
		return datatypes.NoExecutableFile(analysis.ID)
	}
	return nil
}

// AllowAnyFiles accepts every analysis.
func AllowAnyFiles(*datatypes.Analysis) error {
	return nil
}

// Builder creates submission groups.
type Builder struct {
	store   storage.Store
	layout  layout.Layout
	policy  ExecutablePolicy
	logger  *logging.Logger
	now     func() time.Time
	newUUID func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithExecutablePolicy replaces RequireExecutable.
func WithExecutablePolicy(p ExecutablePolicy) Option {
	return func(b *Builder) { b.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder. The default policy is RequireExecutable.
func NewBuilder(store storage.Store, l layout.Layout, opts ...Option) *Builder {
	b := &Builder{
		store:   store,
		layout:  l,
		policy:  RequireExecutable,
		now:     time.Now,
		newUUID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger).With("component", "snapshot")
	return b
}

// CreateSubmissionGroup snapshots analysis for author.
//
// Description:
//
//	Applies the executable policy, copies every file from
//	{root}/content/{studyId}/{analysisId}/{uuid} into the new group folder
//	under a fresh uuid, and persists the group with per-file and group
//	checksums.
//
// Inputs:
//
//	ctx - Checked between file copies.
//	author - The submitting user. Required.
//	analysis - The analysis to freeze. Required.
//
// Outputs:
//
//	*datatypes.SubmissionGroup - The persisted group with assigned IDs.
//	error - NoExecutableFile from the policy, FileNotFound for a missing
//	source file, or a wrapped infrastructure error. Nothing is persisted
//	on error.
func (b *Builder) CreateSubmissionGroup(ctx context.Context, author *datatypes.User, analysis *datatypes.Analysis) (*datatypes.SubmissionGroup, error) {
	ctx, span := snapshotTracer.Start(ctx, "Builder.CreateSubmissionGroup")
	defer span.End()

	if author == nil {
		return nil, datatypes.Validationf("submission group requires an author")
	}
	if analysis == nil {
		return nil, datatypes.Validationf("submission group requires an analysis")
	}
	span.SetAttributes(
		attribute.Int64("analysis.id", analysis.ID),
		attribute.Int("analysis.files", len(analysis.Files)),
	)

	if err := b.policy(analysis); err != nil {
		span.SetStatus(codes.Error, "policy rejected analysis")
		return nil, err
	}

	if err := os.MkdirAll(b.layout.GroupsRoot(), 0750); err != nil {
		return nil, fmt.Errorf("create groups root: %w", err)
	}
	staging, err := os.MkdirTemp(b.layout.GroupsRoot(), ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging folder: %w", err)
	}
	current := staging
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(current)
		}
	}()

	now := b.now().UTC()
	group := &datatypes.SubmissionGroup{
		AnalysisID:   analysis.ID,
		StudyID:      analysis.StudyID,
		AnalysisType: analysis.Type,
		Title:        analysis.Title,
		Author:       *author,
		Created:      now,
		Updated:      now,
		Files:        make([]datatypes.SubmissionFile, 0, len(analysis.Files)),
	}

	for _, af := range analysis.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := b.copyFile(analysis, af, staging, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "copy failed")
			return nil, err
		}
		group.Files = append(group.Files, file)
	}

	checksum, err := GroupChecksum(staging, group.Files)
	if err != nil {
		return nil, err
	}
	group.Checksum = checksum

	err = b.store.Update(ctx, func(tx storage.Tx) error {
		group.ID = 0
		if err := tx.CreateGroup(group); err != nil {
			return err
		}
		target := b.layout.GroupFolder(group.ID)
		if err := os.Rename(current, target); err != nil {
			return fmt.Errorf("move snapshot into %s: %w", target, err)
		}
		current = target
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}
	committed = true

	span.SetAttributes(attribute.Int64("group.id", group.ID))
	b.logger.Info("submission group created",
		"group_id", group.ID,
		"analysis_id", analysis.ID,
		"files", len(group.Files),
	)
	return group, nil
}

func (b *Builder) copyFile(analysis *datatypes.Analysis, af datatypes.AnalysisFile, staging string, now time.Time) (datatypes.SubmissionFile, error) {
	src := b.layout.AnalysisFile(analysis.StudyID, analysis.ID, af.UUID)
	id := b.newUUID()

	sum, err := copyWithChecksum(src, filepath.Join(staging, id))
	if err != nil {
		return datatypes.SubmissionFile{}, err
	}

	created, updated := af.Created, af.Updated
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	return datatypes.SubmissionFile{
		UUID:        id,
		RealName:    af.RealName,
		Label:       af.Label,
		ContentType: af.ContentType,
		Author:      af.Author,
		Version:     af.Version,
		EntryPoint:  af.EntryPoint,
		Executable:  af.Executable,
		Checksum:    sum,
		Created:     created,
		Updated:     updated,
	}, nil
}

// copyWithChecksum copies src to dest and returns the hex MD5 of the
// content.
func copyWithChecksum(src, dest string) (string, error) {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", datatypes.FileNotFound(filepath.Base(src), err)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	h := md5.New()
	_, err = io.Copy(io.MultiWriter(out, h), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GroupChecksum hashes the contents of files stored in folder, in uuid
// order, as one MD5 stream.
//
// The result does not depend on the order of files.
func GroupChecksum(folder string, files []datatypes.SubmissionFile) (string, error) {
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.UUID
	}
	sort.Strings(ids)

	h := md5.New()
	for _, id := range ids {
		if err := hashInto(h, filepath.Join(folder, id)); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashInto(w io.Writer, p string) error {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return datatypes.FileNotFound(filepath.Base(p), err)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("hash %s: %w", p, err)
	}
	return nil
}

// VerifyGroup recomputes the checksum of a stored group and fails with a
// Validation error when it no longer matches.
func (b *Builder) VerifyGroup(ctx context.Context, group *datatypes.SubmissionGroup) error {
	_, span := snapshotTracer.Start(ctx, "Builder.VerifyGroup")
	defer span.End()
	span.SetAttributes(attribute.Int64("group.id", group.ID))

	got, err := GroupChecksum(b.layout.GroupFolder(group.ID), group.Files)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if got != group.Checksum {
		span.SetStatus(codes.Error, "checksum mismatch")
		return datatypes.Validationf("submission group %d checksum mismatch: stored %s, computed %s", group.ID, group.Checksum, got)
	}
	return nil
}
