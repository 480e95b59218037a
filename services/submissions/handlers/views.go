// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"time"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// SubmissionView is the public shape of a submission. Token and update
// password never leave the server through it.
type SubmissionView struct {
	ID              int64            `json:"id"`
	Author          datatypes.User   `json:"author"`
	AnalysisID      int64            `json:"analysisId"`
	AnalysisType    string           `json:"analysisType,omitempty"`
	DataSourceID    int64            `json:"dataSourceId"`
	GroupID         int64            `json:"submissionGroupId"`
	Status          datatypes.Status `json:"status"`
	Stdout          string           `json:"stdout,omitempty"`
	StdoutDate      *time.Time       `json:"stdoutDate,omitempty"`
	Created         time.Time        `json:"createdAt"`
	Updated         time.Time        `json:"updatedAt"`
	ResultFileCount int              `json:"resultFilesCount"`
}

func newSubmissionView(s *datatypes.Submission) SubmissionView {
	return SubmissionView{
		ID:              s.ID,
		Author:          s.Author,
		AnalysisID:      s.AnalysisID,
		DataSourceID:    s.DataSourceID,
		GroupID:         s.GroupID,
		Status:          s.Status,
		Stdout:          s.Stdout,
		StdoutDate:      s.StdoutDate,
		Created:         s.Created,
		Updated:         s.Updated,
		ResultFileCount: len(s.ResultFiles),
	}
}

// StatusHistoryView is one history element.
type StatusHistoryView struct {
	Date    time.Time        `json:"date"`
	Status  datatypes.Status `json:"status"`
	Actor   *datatypes.User  `json:"author,omitempty"`
	Comment string           `json:"comment,omitempty"`
}

// SubmissionFileView describes one snapshot file.
type SubmissionFileView struct {
	UUID        string    `json:"uuid"`
	GroupID     int64     `json:"submissionGroupId"`
	RealName    string    `json:"name"`
	Label       string    `json:"label,omitempty"`
	ContentType string    `json:"docType,omitempty"`
	Version     int       `json:"version"`
	EntryPoint  bool      `json:"entryPoint"`
	Executable  bool      `json:"executable"`
	Checksum    string    `json:"checksum,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

func newSubmissionFileView(f datatypes.SubmissionFile) SubmissionFileView {
	return SubmissionFileView{
		UUID:        f.UUID,
		GroupID:     f.GroupID,
		RealName:    f.RealName,
		Label:       f.Label,
		ContentType: f.ContentType,
		Version:     f.Version,
		EntryPoint:  f.EntryPoint,
		Executable:  f.Executable,
		Checksum:    f.Checksum,
		Created:     f.Created,
		Updated:     f.Updated,
	}
}

// ResultFileView describes one result file in listings.
type ResultFileView struct {
	UUID         string    `json:"uuid"`
	SubmissionID int64     `json:"submissionId"`
	Path         string    `json:"path"`
	RelativePath string    `json:"relativePath"`
	Name         string    `json:"name"`
	ContentType  string    `json:"docType"`
	Size         int64     `json:"size"`
	Manual       bool      `json:"manuallyUploaded"`
	Created      time.Time `json:"created"`
}
