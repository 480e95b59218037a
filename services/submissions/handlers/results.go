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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/archive"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/middleware"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/results"
)

// MaxUploadBytes caps a manual result upload.
const MaxUploadBytes = 512 << 20

// UploadResult handles POST /submissions/result/manualupload?submissionId=
// with a multipart "file" and optional "label".
func UploadResult(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if !requireActor(c, actor) {
			return
		}
		id, err := strconv.ParseInt(c.Query("submissionId"), 10, 64)
		if err != nil || id <= 0 {
			writeError(c, logger, datatypes.Validationf("invalid submissionId"))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
		header, err := c.FormFile("file")
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"result": false, "error": "file is required"})
			return
		}
		f, err := header.Open()
		if err != nil {
			writeError(c, logger, err)
			return
		}
		defer f.Close()

		logging.OrDefault(logger).Info("uploading result file", "submission_id", id, "actor_id", actor.ID)
		rf, err := res.UploadResultsByDataOwner(c.Request.Context(), actor, id, c.PostForm("label"),
			results.Upload{Filename: header.Filename, Content: f})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": true, "uuid": rf.UUID})
	}
}

// UploadWorkerResult handles POST /submissions/:submissionId/results/:password
// with a multipart "file" produced by the execution. These files carry no
// creator and cannot be deleted by users.
func UploadWorkerResult(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
		header, err := c.FormFile("file")
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"result": false, "error": "file is required"})
			return
		}
		f, err := header.Open()
		if err != nil {
			writeError(c, logger, err)
			return
		}
		defer f.Close()

		rf, err := res.UploadWorkerResult(c.Request.Context(), id, c.Param("password"),
			results.Upload{Filename: header.Filename, Content: f})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": true, "uuid": rf.UUID})
	}
}

// GetResultFiles handles GET /submissions/:submissionId/results?path=&real-name=.
func GetResultFiles(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		var search datatypes.ResultFileSearch
		if err := c.ShouldBindQuery(&search); err != nil {
			writeError(c, logger, datatypes.Validationf("invalid search: %v", err))
			return
		}
		entries, err := res.GetResultFiles(c.Request.Context(), middleware.Actor(c), id, search)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		views := make([]ResultFileView, len(entries))
		for i, e := range entries {
			views[i] = ResultFileView{
				UUID:         e.UUID,
				SubmissionID: id,
				Path:         e.Path,
				RelativePath: e.RelativePath,
				Name:         e.Name,
				ContentType:  e.ContentType,
				Size:         e.Size,
				Manual:       e.CreatedBy != nil,
				Created:      e.Created,
			}
		}
		c.JSON(http.StatusOK, views)
	}
}

// GetResultFile handles GET /submissions/:submissionId/results/:fileUuid.
func GetResultFile(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		meta, rc, err := res.DownloadResultFile(c.Request.Context(), middleware.Actor(c), id, c.Param("fileUuid"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		_ = rc.Close()
		c.JSON(http.StatusOK, gin.H{"result": ResultFileView{
			UUID:         meta.UUID,
			SubmissionID: id,
			Path:         meta.Path,
			RelativePath: res.RelativePath(id, meta.Path),
			Name:         meta.Name,
			ContentType:  meta.ContentType,
			Size:         meta.Size,
			Manual:       meta.CreatedBy != nil,
			Created:      meta.Created,
		}})
	}
}

// DownloadResultFile handles GET /submissions/:submissionId/results/:fileUuid/download.
func DownloadResultFile(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		meta, rc, err := res.DownloadResultFile(c.Request.Context(), middleware.Actor(c), id, c.Param("fileUuid"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		defer rc.Close()
		stream(c, logger, meta.Name, meta.ContentType, func(w io.Writer) error {
			_, err := io.Copy(w, rc)
			return err
		})
	}
}

// DownloadAllResults handles GET /submissions/:submissionId/results/all.
func DownloadAllResults(res ResultService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		name := archive.ResultArchiveName(id, time.Now())
		stream(c, logger, name, zipContentType, func(w io.Writer) error {
			return res.GetSubmissionResultAllFiles(c.Request.Context(), middleware.Actor(c), id, w)
		})
	}
}
