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
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/archive"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

const zipContentType = "application/zip"

// attachment defers the download headers until the first byte is written,
// so a failure before any output can still be answered with a JSON error.
type attachment struct {
	c           *gin.Context
	name        string
	contentType string
	started     bool
}

func (a *attachment) Write(p []byte) (int, error) {
	if !a.started {
		a.started = true
		h := a.c.Writer.Header()
		h.Set("Content-Type", a.contentType)
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.name}))
		a.c.Status(http.StatusOK)
	}
	return a.c.Writer.Write(p)
}

// stream runs write into an attachment response.
func stream(c *gin.Context, logger *logging.Logger, name, contentType string, write func(w io.Writer) error) {
	a := &attachment{c: c, name: name, contentType: contentType}
	err := write(a)
	if err == nil {
		if !a.started {
			_, _ = a.Write(nil)
		}
		return
	}
	if !a.started {
		writeError(c, logger, err)
		return
	}
	logging.OrDefault(logger).Error("download aborted after partial write",
		"path", c.FullPath(),
		"file", name,
		"error", err,
	)
	c.Abort()
}

// GetSubmissionGroupFiles handles GET /submission-groups/:groupId/files.
func GetSubmissionGroupFiles(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID, ok := paramID(c, "groupId")
		if !ok {
			return
		}
		files, err := svc.GetSubmissionFiles(c.Request.Context(), groupID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		views := make([]SubmissionFileView, len(files))
		for i, f := range files {
			views[i] = newSubmissionFileView(f)
		}
		c.JSON(http.StatusOK, views)
	}
}

// GetSubmissionGroupFile handles GET /submission-groups/:groupId/files/:fileUuid.
func GetSubmissionGroupFile(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID, ok := paramID(c, "groupId")
		if !ok {
			return
		}
		file, err := svc.GetSubmissionFile(c.Request.Context(), groupID, c.Param("fileUuid"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": newSubmissionFileView(*file)})
	}
}

// GetSubmissionFile handles GET /submissions/:submissionId/files/:fileUuid,
// resolving the group through the submission.
func GetSubmissionFile(svc SubmissionService, logger *logging.Logger) gin.HandlerFunc {
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
		file, err := svc.GetSubmissionFile(c.Request.Context(), sub.GroupID, c.Param("fileUuid"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": newSubmissionFileView(*file)})
	}
}

// DownloadSubmissionGroupFile handles
// GET /submission-groups/:groupId/files/:fileUuid/download.
func DownloadSubmissionGroupFile(svc SubmissionService, arc ArchiveService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID, ok := paramID(c, "groupId")
		if !ok {
			return
		}
		serveGroupFile(c, svc, arc, logger, groupID)
	}
}

// DownloadSubmissionFile handles
// GET /submissions/:submissionId/files/:fileUuid/download.
func DownloadSubmissionFile(svc SubmissionService, arc ArchiveService, logger *logging.Logger) gin.HandlerFunc {
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
		serveGroupFile(c, svc, arc, logger, sub.GroupID)
	}
}

func serveGroupFile(c *gin.Context, svc SubmissionService, arc ArchiveService, logger *logging.Logger, groupID int64) {
	group, err := svc.GetSubmissionGroup(c.Request.Context(), groupID)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	file, found := group.FindFile(c.Param("fileUuid"))
	if !found {
		writeError(c, logger, datatypes.NotExistf("SubmissionFile with uuid='%s' does not exist in group %d", c.Param("fileUuid"), groupID))
		return
	}
	rc, err := arc.OpenGroupFile(c.Request.Context(), group, *file)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	defer rc.Close()
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	stream(c, logger, path.Base(file.RealName), contentType, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
}

// DownloadAllGroupFiles handles GET /submission-groups/:groupId/files/all.
func DownloadAllGroupFiles(svc SubmissionService, arc ArchiveService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID, ok := paramID(c, "groupId")
		if !ok {
			return
		}
		group, err := svc.GetSubmissionGroup(c.Request.Context(), groupID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		name := archive.GroupArchiveName(groupID, time.Now())
		stream(c, logger, name, zipContentType, func(w io.Writer) error {
			return arc.WriteGroupArchive(c.Request.Context(), group, w)
		})
	}
}

// GetSubmissionFileChunk handles
// GET /submissions/:submissionId/files?updatePassword=&fileName=, the
// worker's chunked snapshot download. Every miss answers 404.
func GetSubmissionFileChunk(arc ArchiveService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "submissionId")
		if !ok {
			return
		}
		fileName := c.Query("fileName")
		p, err := arc.GetArchiveChunk(c.Request.Context(), id, c.Query("updatePassword"), fileName)
		if err != nil {
			logging.OrDefault(logger).Warn("submission file chunk unavailable", "submission_id", id, "file_name", fileName, "error", err)
			writeError(c, logger, err)
			return
		}
		c.FileAttachment(p, fileName)
	}
}
