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
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxCommentBytes bounds approval comments.
	MaxCommentBytes = 4096

	// MaxStdoutChunkBytes bounds a single worker stdout report.
	MaxStdoutChunkBytes = 1 << 20
)

// requestValidate is shared by all request types. Initialized in init() with
// the custom "status" validation.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("status", validateStatusName)
}

func validateStatusName(fl validator.FieldLevel) bool {
	_, err := ParseStatus(fl.Field().String())
	return err == nil
}

// validationError converts validator output into a Validation error naming
// the offending fields.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fe.Field()+" failed '"+fe.Tag()+"'")
		}
		return &Error{Kind: KindValidation, Message: "invalid request: " + strings.Join(parts, ", "), Err: err}
	}
	return &Error{Kind: KindValidation, Message: "invalid request", Err: err}
}

// ApproveRequest carries an owner's decision on execution or publication.
//
// IsApproved is a pointer so that an absent decision is distinguishable
// from a rejection.
type ApproveRequest struct {
	IsApproved *bool  `json:"isApproved" validate:"required"`
	Comment    string `json:"comment" validate:"max=4096"`
}

// Validate checks the request.
func (r *ApproveRequest) Validate() error {
	return validationError(requestValidate.Struct(r))
}

// StatusUpdate is the worker callback payload.
type StatusUpdate struct {
	Stdout     string     `json:"stdout" validate:"max=1048576"`
	StdoutDate *time.Time `json:"stdoutDate,omitempty"`
}

// Validate checks the payload.
func (u *StatusUpdate) Validate() error {
	return validationError(requestValidate.Struct(u))
}

// ChangeStateRequest is the administrative forced transition payload.
type ChangeStateRequest struct {
	Status string `json:"status" validate:"required,status"`
}

// Validate checks the payload.
func (r *ChangeStateRequest) Validate() error {
	return validationError(requestValidate.Struct(r))
}

// SubmitAnalysisRequest asks for one submission per listed data source.
type SubmitAnalysisRequest struct {
	DataSourceIDs []int64 `json:"dataSourceIds" validate:"required,min=1,dive,gt=0"`
}

// Validate checks the payload.
func (r *SubmitAnalysisRequest) Validate() error {
	return validationError(requestValidate.Struct(r))
}

// ResultFileSearch filters a submission's result files. Both fields are
// optional.
type ResultFileSearch struct {
	Path     string `form:"path" json:"path"`
	RealName string `form:"real-name" json:"realName"`
}
