// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data model of the submission service.
//
// The model is a single record family: a SubmissionGroup snapshots the files
// of an analysis, and one Submission per data source tracks execution of that
// snapshot through the lifecycle below.
//
//	PENDING ──approve──▶ IN_PROGRESS ──▶ EXECUTED ──▶ EXECUTED_PUBLISHED
//	   │                  ▲   │   │            └──▶ EXECUTED_REJECTED
//	   └─reject─▶ NOT_APPROVED │  └──▶ FAILED ────▶ FAILED_PUBLISHED
//	                          │              └──▶ FAILED_REJECTED
//	        STARTING / QUEUE_PROCESSING (worker sub-states of IN_PROGRESS)
package datatypes

import (
	"strings"
)

// Status is the lifecycle state of a Submission.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusNotApproved       Status = "NOT_APPROVED"
	StatusStarting          Status = "STARTING"
	StatusQueueProcessing   Status = "QUEUE_PROCESSING"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusExecuted          Status = "EXECUTED"
	StatusFailed            Status = "FAILED"
	StatusExecutedPublished Status = "EXECUTED_PUBLISHED"
	StatusExecutedRejected  Status = "EXECUTED_REJECTED"
	StatusFailedPublished   Status = "FAILED_PUBLISHED"
	StatusFailedRejected    Status = "FAILED_REJECTED"
)

var allStatuses = []Status{
	StatusPending,
	StatusNotApproved,
	StatusStarting,
	StatusQueueProcessing,
	StatusInProgress,
	StatusExecuted,
	StatusFailed,
	StatusExecutedPublished,
	StatusExecutedRejected,
	StatusFailedPublished,
	StatusFailedRejected,
}

// ReportableStatuses are the states in which a worker may report stdout.
// STARTING and QUEUE_PROCESSING are collapsed to IN_PROGRESS on report.
var ReportableStatuses = []Status{
	StatusStarting,
	StatusInProgress,
	StatusQueueProcessing,
}

// ResultApprovableStatuses are the states from which results may be
// published or rejected.
var ResultApprovableStatuses = []Status{
	StatusExecuted,
	StatusFailed,
}

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus resolves a status by name. Surrounding whitespace and case are
// ignored. Unknown names fail with a Validation error.
func ParseStatus(name string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(name)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", Validationf("unknown submission status '%s'", name)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// In reports whether s is one of the given statuses.
func (s Status) In(statuses ...Status) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsPublished reports whether results of a submission in this state are
// visible to everyone.
func (s Status) IsPublished() bool {
	return s == StatusExecutedPublished || s == StatusFailedPublished
}

// CollapsesToInProgress reports whether a worker report moves s to
// IN_PROGRESS.
func (s Status) CollapsesToInProgress() bool {
	return s == StatusStarting || s == StatusQueueProcessing
}

// IsFinal reports whether no further lifecycle transition leaves s.
func (s Status) IsFinal() bool {
	return s.In(StatusNotApproved, StatusExecutedPublished, StatusExecutedRejected,
		StatusFailedPublished, StatusFailedRejected)
}

func (s Status) String() string {
	return string(s)
}
