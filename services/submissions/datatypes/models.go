// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// =============================================================================
// Collaborators
// =============================================================================

// User is an actor of the portal. A nil *User in history means the system.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// DataNode hosts data sources and is administered by its owners.
type DataNode struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Owners []User `json:"owners" gorm:"serializer:json"`
}

// IsOwner reports whether user administers the node. A nil user never does.
func (n DataNode) IsOwner(user *User) bool {
	if user == nil {
		return false
	}
	for _, owner := range n.Owners {
		if owner.ID == user.ID {
			return true
		}
	}
	return false
}

// DataSource is a protected data set against which submissions run.
type DataSource struct {
	ID       int64    `json:"id" gorm:"column:id;primaryKey"`
	Name     string   `json:"name" gorm:"column:name"`
	DataNode DataNode `json:"dataNode" gorm:"embedded;embeddedPrefix:data_node_"`
}

func (DataSource) TableName() string { return "data_sources" }

// AnalysisFile is a file of an analysis in the content tree.
type AnalysisFile struct {
	UUID        string    `json:"uuid"`
	RealName    string    `json:"realName"`
	Label       string    `json:"label,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Author      User      `json:"author"`
	Version     int       `json:"version"`
	EntryPoint  bool      `json:"entryPoint"`
	Executable  bool      `json:"executable"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// Analysis is the minimal view of a research analysis needed to snapshot it.
type Analysis struct {
	ID      int64          `json:"id" gorm:"column:id;primaryKey"`
	StudyID int64          `json:"studyId" gorm:"column:study_id;index"`
	Type    string         `json:"type" gorm:"column:type"`
	Title   string         `json:"title" gorm:"column:title"`
	Files   []AnalysisFile `json:"files" gorm:"column:files;serializer:json"`
}

func (Analysis) TableName() string { return "analyses" }

// HasExecutable reports whether any file is marked executable.
func (a *Analysis) HasExecutable() bool {
	for _, f := range a.Files {
		if f.Executable {
			return true
		}
	}
	return false
}

// =============================================================================
// Submission Groups
// =============================================================================

// SubmissionGroup is an immutable snapshot of an analysis's files.
//
// Checksum is reproducible from the file contents ordered by UUID.
type SubmissionGroup struct {
	ID           int64            `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	AnalysisID   int64            `json:"analysisId" gorm:"column:analysis_id;index"`
	StudyID      int64            `json:"studyId" gorm:"column:study_id"`
	AnalysisType string           `json:"analysisType" gorm:"column:analysis_type"`
	Title        string           `json:"title" gorm:"column:title"`
	Author       User             `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	Checksum     string           `json:"checksum" gorm:"column:checksum"`
	Created      time.Time        `json:"created" gorm:"column:created"`
	Updated      time.Time        `json:"updated" gorm:"column:updated"`
	Files        []SubmissionFile `json:"files" gorm:"foreignKey:GroupID"`
}

func (SubmissionGroup) TableName() string { return "submission_groups" }

// FindFile returns the file with the given UUID.
func (g *SubmissionGroup) FindFile(uuid string) (*SubmissionFile, bool) {
	for i := range g.Files {
		if g.Files[i].UUID == uuid {
			return &g.Files[i], true
		}
	}
	return nil, false
}

// SubmissionFile is a snapshotted copy of one analysis file.
type SubmissionFile struct {
	ID          int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	GroupID     int64     `json:"groupId" gorm:"column:group_id;index"`
	UUID        string    `json:"uuid" gorm:"column:uuid;uniqueIndex"`
	RealName    string    `json:"realName" gorm:"column:real_name"`
	Label       string    `json:"label,omitempty" gorm:"column:label"`
	ContentType string    `json:"contentType,omitempty" gorm:"column:content_type"`
	Author      User      `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	Version     int       `json:"version" gorm:"column:version"`
	EntryPoint  bool      `json:"entryPoint" gorm:"column:entry_point"`
	Executable  bool      `json:"executable" gorm:"column:executable"`
	Checksum    string    `json:"checksum" gorm:"column:checksum"`
	Created     time.Time `json:"created" gorm:"column:created"`
	Updated     time.Time `json:"updated" gorm:"column:updated"`
}

func (SubmissionFile) TableName() string { return "submission_files" }

// =============================================================================
// Submissions
// =============================================================================

// Submission tracks one execution of a group against one data source.
//
// Status always equals the status of the last StatusHistory element; use
// MoveTo to change it. Token and UpdatePassword are generated once at
// creation. Stdout is append-only.
type Submission struct {
	ID             int64                  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Author         User                   `json:"author" gorm:"embedded;embeddedPrefix:author_"`
	AnalysisID     int64                  `json:"analysisId" gorm:"column:analysis_id;index"`
	DataSourceID   int64                  `json:"dataSourceId" gorm:"column:data_source_id;index"`
	GroupID        int64                  `json:"groupId" gorm:"column:group_id;index"`
	Status         Status                 `json:"status" gorm:"column:status;type:varchar(32);index"`
	Token          string                 `json:"token" gorm:"column:token"`
	UpdatePassword string                 `json:"updatePassword" gorm:"column:update_password"`
	Stdout         string                 `json:"stdout" gorm:"column:stdout;type:text"`
	StdoutDate     *time.Time             `json:"stdoutDate,omitempty" gorm:"column:stdout_date"`
	Created        time.Time              `json:"created" gorm:"column:created"`
	Updated        time.Time              `json:"updated" gorm:"column:updated"`
	StatusHistory  []StatusHistoryElement `json:"statusHistory" gorm:"foreignKey:SubmissionID"`
	ResultFiles    []ResultFile           `json:"resultFiles" gorm:"foreignKey:SubmissionID"`
}

func (Submission) TableName() string { return "submissions" }

// MoveTo sets the status and appends the matching history entry.
//
// Description:
//
//	This is the only way a submission changes status, which keeps Status
//	equal to the last history element. A nil actor records the system.
//
// Inputs:
//
//	status - The new status.
//	actor - The acting user, or nil for the system.
//	comment - Optional free text.
//	at - Timestamp of the transition; also written to Updated.
//
// Outputs:
//
//	*StatusHistoryElement - Pointer to the appended element.
func (s *Submission) MoveTo(status Status, actor *User, comment string, at time.Time) *StatusHistoryElement {
	var recorded *User
	if actor != nil {
		copied := *actor
		recorded = &copied
	}
	s.StatusHistory = append(s.StatusHistory, StatusHistoryElement{
		SubmissionID: s.ID,
		Date:         at,
		Status:       status,
		Actor:        recorded,
		Comment:      comment,
	})
	s.Status = status
	s.Updated = at
	return &s.StatusHistory[len(s.StatusHistory)-1]
}

// LastStatus returns the most recent history element.
func (s *Submission) LastStatus() (StatusHistoryElement, bool) {
	if len(s.StatusHistory) == 0 {
		return StatusHistoryElement{}, false
	}
	return s.StatusHistory[len(s.StatusHistory)-1], true
}

// AppendStdout appends a chunk of worker output.
func (s *Submission) AppendStdout(chunk string, at time.Time) {
	s.Stdout += chunk
	stamp := at
	s.StdoutDate = &stamp
	s.Updated = at
}

// FindResultFile returns the index of the result file with the given id,
// or -1.
func (s *Submission) FindResultFile(id int64) int {
	for i := range s.ResultFiles {
		if s.ResultFiles[i].ID == id {
			return i
		}
	}
	return -1
}

// FindResultFileByUUID returns the index of the result file with the given
// uuid, or -1.
func (s *Submission) FindResultFileByUUID(uuid string) int {
	for i := range s.ResultFiles {
		if s.ResultFiles[i].UUID == uuid {
			return i
		}
	}
	return -1
}

// FindResultFileByPath returns the index of the result file stored at path,
// or -1.
func (s *Submission) FindResultFileByPath(path string) int {
	for i := range s.ResultFiles {
		if s.ResultFiles[i].Path == path {
			return i
		}
	}
	return -1
}

// RemoveResultFile drops the result file at index i, preserving order.
func (s *Submission) RemoveResultFile(i int) ResultFile {
	removed := s.ResultFiles[i]
	s.ResultFiles = append(s.ResultFiles[:i], s.ResultFiles[i+1:]...)
	return removed
}

// StatusHistoryElement is one entry of a submission's audit trail.
type StatusHistoryElement struct {
	ID           int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	SubmissionID int64     `json:"submissionId" gorm:"column:submission_id;index"`
	Date         time.Time `json:"date" gorm:"column:date"`
	Status       Status    `json:"status" gorm:"column:status;type:varchar(32)"`
	Actor        *User     `json:"actor,omitempty" gorm:"embedded;embeddedPrefix:actor_"`
	Comment      string    `json:"comment,omitempty" gorm:"column:comment"`
}

func (StatusHistoryElement) TableName() string { return "submission_status_history" }

// ResultFile references stored result content. CreatedBy is set only for
// files uploaded manually by a data owner; only those may be deleted.
type ResultFile struct {
	ID           int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	SubmissionID int64  `json:"submissionId" gorm:"column:submission_id;index"`
	UUID         string `json:"uuid" gorm:"column:uuid;uniqueIndex"`
	Path         string `json:"path" gorm:"column:path"`
	CreatedBy    *int64 `json:"createdBy,omitempty" gorm:"column:created_by"`
}

func (ResultFile) TableName() string { return "submission_result_files" }
