// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout resolves locations in the persisted file tree.
//
//	{root}/content/{studyId}/{analysisId}/{uuid}        analysis files
//	{root}/submission_groups/{groupId}/{uuid}           snapshot files
//	{root}/submission_groups/{groupId}/split/           archive chunks
//	{root}/submissions/{submissionId}/results_staging/  upload staging
//	{legacyRoot}/{analysisId}/{uuid}                    pre-migration files
//
// Result files live in the content store under the logical directory
// /submissions/{submissionId}/results/.
package layout

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	contentDir = "content"
	groupsDir  = "submission_groups"
	splitDir   = "split"
	subsDir    = "submissions"
	stagingDir = "results_staging"
)

// Layout maps domain identifiers to filesystem paths.
type Layout struct {
	Root       string
	LegacyRoot string
}

// New returns a Layout rooted at root. An empty legacyRoot defaults to
// {root}/legacy.
func New(root, legacyRoot string) Layout {
	if legacyRoot == "" {
		legacyRoot = filepath.Join(root, "legacy")
	}
	return Layout{Root: root, LegacyRoot: legacyRoot}
}

// AnalysisFile is the source location of an analysis file.
func (l Layout) AnalysisFile(studyID, analysisID int64, uuid string) string {
	return filepath.Join(l.Root, contentDir, itoa(studyID), itoa(analysisID), uuid)
}

// GroupsRoot is the parent of every group folder.
func (l Layout) GroupsRoot() string {
	return filepath.Join(l.Root, groupsDir)
}

// GroupFolder holds the snapshot files of a group.
func (l Layout) GroupFolder(groupID int64) string {
	return filepath.Join(l.GroupsRoot(), itoa(groupID))
}

// GroupFile is the snapshot copy of a file.
func (l Layout) GroupFile(groupID int64, uuid string) string {
	return filepath.Join(l.GroupFolder(groupID), uuid)
}

// SplitFolder holds archive chunks of a group.
func (l Layout) SplitFolder(groupID int64) string {
	return filepath.Join(l.GroupFolder(groupID), splitDir)
}

// LegacyFile is where a snapshot file lived before the group layout.
func (l Layout) LegacyFile(analysisID int64, uuid string) string {
	return filepath.Join(l.LegacyRoot, itoa(analysisID), uuid)
}

// ResultStaging is the local folder uploads are written to before they are
// handed to the content store.
func (l Layout) ResultStaging(submissionID int64) string {
	return filepath.Join(l.Root, subsDir, itoa(submissionID), stagingDir)
}

// ResultFilesDir is the logical content-store directory of a submission's
// result files. sub may be empty or a relative sub-directory.
func ResultFilesDir(submissionID int64, sub string) string {
	dir := path.Join("/", subsDir, itoa(submissionID), "results")
	if sub == "" {
		return dir
	}
	return path.Join(dir, path.Clean("/"+sub))
}

// RelativeResultPath strips a submission's result root from a stored path.
// Paths outside the root are returned unchanged without a leading slash.
func RelativeResultPath(submissionID int64, stored string) string {
	root := ResultFilesDir(submissionID, "") + "/"
	if strings.HasPrefix(stored, root) {
		return strings.TrimPrefix(stored, root)
	}
	return strings.TrimPrefix(stored, "/")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
