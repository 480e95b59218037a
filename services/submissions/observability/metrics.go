// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics of the submission
// service. All recording methods are safe on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

const (
	namespace = "portal"
	subsystem = "submissions"
)

// Metrics is the set of collectors registered for one service instance.
type Metrics struct {
	// transitions counts status changes.
	// Labels: from, to
	transitions *prometheus.CounterVec

	// operationErrors counts failed operations by error kind.
	// Labels: operation, kind
	operationErrors *prometheus.CounterVec

	// operationLatency measures lifecycle and result operations.
	// Labels: operation
	operationLatency *prometheus.HistogramVec

	// notificationFailures counts dropped notifications.
	// Labels: channel (mail, socket)
	notificationFailures *prometheus.CounterVec

	// archiveBytes counts bytes streamed into archives.
	// Labels: kind (group, result)
	archiveBytes *prometheus.CounterVec

	// statusReports counts worker callbacks.
	// Labels: outcome (accepted, rejected)
	statusReports *prometheus.CounterVec

	// resultUploads counts uploaded result files.
	resultUploads prometheus.Counter
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Submission status transitions",
		}, []string{"from", "to"}),
		operationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_errors_total",
			Help:      "Failed operations by error kind",
		}, []string{"operation", "kind"}),
		operationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
		notificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered",
		}, []string{"channel"}),
		archiveBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "archive_bytes_total",
			Help:      "Bytes written into archives",
		}, []string{"kind"}),
		statusReports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_reports_total",
			Help:      "Worker status reports by outcome",
		}, []string{"outcome"}),
		resultUploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "result_uploads_total",
			Help:      "Result files uploaded by data owners",
		}),
	}
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(from, to datatypes.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveOperation records the latency of operation and, when err is
// non-nil, counts it under its error kind.
//
// Inputs:
//
//	operation - Operation name, e.g. "approve_submission".
//	start - When the operation began.
//	err - The operation's result.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.operationErrors.WithLabelValues(operation, string(datatypes.KindOf(err))).Inc()
	}
}

// RecordNotificationFailure counts a dropped notification.
func (m *Metrics) RecordNotificationFailure(channel string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(channel).Inc()
}

// RecordArchiveBytes counts bytes streamed into an archive.
func (m *Metrics) RecordArchiveBytes(kind string, n int64) {
	if m == nil {
		return
	}
	m.archiveBytes.WithLabelValues(kind).Add(float64(n))
}

// RecordStatusReport counts a worker callback.
func (m *Metrics) RecordStatusReport(accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.statusReports.WithLabelValues(outcome).Inc()
}

// RecordResultUpload counts an uploaded result file.
func (m *Metrics) RecordResultUpload() {
	if m == nil {
		return
	}
	m.resultUploads.Inc()
}
