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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch datatypes.KindOf(err) {
	case datatypes.KindNotExist, datatypes.KindFileNotFound:
		return http.StatusNotFound
	case datatypes.KindPermissionDenied:
		return http.StatusForbidden
	case datatypes.KindValidation:
		return http.StatusBadRequest
	case datatypes.KindIllegalState:
		return http.StatusConflict
	case datatypes.KindNoExecutableFile:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status of err. Internal errors are logged and
// their message is not returned to the client.
func writeError(c *gin.Context, logger *logging.Logger, err error) {
	kind := datatypes.KindOf(err)
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logging.OrDefault(logger).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.AbortWithStatusJSON(status, ErrorResponse{Error: "internal error", Kind: string(kind)})
		return
	}
	var domainErr *datatypes.Error
	msg := err.Error()
	if errors.As(err, &domainErr) {
		msg = domainErr.Message
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Kind: string(kind)})
}

func requireActor(c *gin.Context, actor *datatypes.User) bool {
	if actor == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Kind: "unauthorized"})
		return false
	}
	return true
}

// paramID parses a positive int64 path parameter, answering 400 otherwise.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid " + name,
			Kind:  string(datatypes.KindValidation),
		})
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body into v and runs validate, answering 400 on
// failure.
func bindJSON(c *gin.Context, v any, validate func() error) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Kind:  string(datatypes.KindValidation),
		})
		return false
	}
	if validate != nil {
		if err := validate(); err != nil {
			writeError(c, nil, err)
			return false
		}
	}
	return true
}
