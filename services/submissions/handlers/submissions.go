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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/middleware"
)

// SubmitAnalysis handles POST /:analysisId/submissions.
func SubmitAnalysis(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		analysisID, ok := paramID(c, "analysisId")
		if !ok {
			return
		}
		var req datatypes.SubmitAnalysisRequest
		if !bindJSON(c, &req, req.Validate) {
			return
		}
		analysis, err := svc.GetAnalysis(c.Request.Context(), analysisID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		subs, group, err := svc.SubmitAnalysis(c.Request.Context(), actor, analysis, req.DataSourceIDs)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		views := make([]SubmissionView, len(subs))
		for i := range subs {
			views[i] = newSubmissionView(&subs[i])
			views[i].AnalysisType = group.AnalysisType
		}
		c.JSON(http.StatusCreated, gin.H{"result": views})
	}
}

// GetSubmission handles GET /submissions/:submissionId.
func GetSubmission(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		sub, err := svc.GetSubmission(c.Request.Context(), id)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		view := newSubmissionView(sub)
		if group, err := svc.GetSubmissionGroup(c.Request.Context(), sub.GroupID); err == nil {
			view.AnalysisType = group.AnalysisType
		}
		c.JSON(http.StatusOK, view)
	}
}

// ApproveSubmission handles POST /submissions/:submissionId/approve.
func ApproveSubmission(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		var req datatypes.ApproveRequest
		if !bindJSON(c, &req, req.Validate) {
			return
		}
		sub, err := svc.ApproveSubmission(c.Request.Context(), id, *req.IsApproved, req.Comment, actor)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": newSubmissionView(sub)})
	}
}

// ApproveSubmissionResult handles POST /submissions/:submissionId/approveresult.
func ApproveSubmissionResult(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		var req datatypes.ApproveRequest
		if !bindJSON(c, &req, nil) {
			return
		}
		sub, err := svc.ApproveSubmissionResult(c.Request.Context(), id, req, actor)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": newSubmissionView(sub)})
	}
}

// UpdateSubmission handles PUT /submissions/:submissionId, the forced state
// change reserved to administrators.
func UpdateSubmission(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		var req datatypes.ChangeStateRequest
		if !bindJSON(c, &req, req.Validate) {
			return
		}
		sub, err := svc.ChangeSubmissionState(c.Request.Context(), id, req.Status)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		logging.OrDefault(logger).Info("submission state forced",
			"submission_id", id,
			"status", sub.Status,
			"actor_id", actorID(c),
		)
		c.JSON(http.StatusOK, gin.H{"result": newSubmissionView(sub)})
	}
}

// ReportStatus handles POST /submissions/:submissionId/status/:password,
// the worker callback. The password is never logged.
func ReportStatus(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		var update datatypes.StatusUpdate
		if !bindJSON(c, &update, nil) {
			return
		}
		logging.OrDefault(logger).Debug("stdout received", "submission_id", id, "bytes", len(update.Stdout))
		if _, err := svc.ReportStatus(c.Request.Context(), id, c.Param("password"), update); err != nil {
			writeError(c, logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GetStatusHistory handles GET /submissions/:submissionId/status-history.
func GetStatusHistory(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		if _, err := svc.GetSubmission(c.Request.Context(), id); err != nil {
			writeError(c, logger, err)
			return
		}
		history, err := svc.GetStatusHistory(c.Request.Context(), id)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		views := make([]StatusHistoryView, len(history))
		for i, h := range history {
			views[i] = StatusHistoryView{Date: h.Date, Status: h.Status, Actor: h.Actor, Comment: h.Comment}
		}
		c.JSON(http.StatusOK, gin.H{"result": views})
	}
}

// DeleteResultFile handles DELETE /submissions/:submissionId/result/:fileUuid.
func DeleteResultFile(svc SubmissionService, res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		if err := res.RequireDataOwner(c.Request.Context(), actor, id); err != nil {
			writeError(c, logger, err)
			return
		}
		if err := svc.DeleteSubmissionResultFileByUUID(c.Request.Context(), id, c.Param("fileUuid")); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": true})
	}
}

// DeleteResultFileByID handles DELETE /submissions/:submissionId/result/byid/:fileId.
func DeleteResultFileByID(svc SubmissionService, res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		fileID, ok := paramID(c, "fileId")
		if !ok {
			return
		}
		if err := res.RequireDataOwner(c.Request.Context(), actor, id); err != nil {
			writeError(c, logger, err)
			return
		}
		if err := svc.DeleteSubmissionResultFile(c.Request.Context(), id, fileID); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": true})
	}
}

// HandleNotifications upgrades GET /ws to a websocket subscribed to the
// caller's invitations.
func HandleNotifications(sock SocketServer, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		if err := sock.ServeWS(c.Writer, c.Request, actor.Username); err != nil {
			logging.OrDefault(logger).Warn("websocket session ended with error", "username", actor.Username, "error", err)
		}
	}
}

func actorID(c *gin.Context) int64 {
	if a := middleware.Actor(c); a != nil {
		return a.ID
	}
	return 0
}
