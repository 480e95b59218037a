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
	"fmt"
)

// ErrorKind classifies domain failures.
type ErrorKind string

const (
	KindNotExist         ErrorKind = "not_exist"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindValidation       ErrorKind = "validation"
	KindIllegalState     ErrorKind = "illegal_state"
	KindNoExecutableFile ErrorKind = "no_executable_file"
	KindFileNotFound     ErrorKind = "file_not_found"
	KindInternal         ErrorKind = "internal"
)

// Sentinel errors for errors.Is matching. Every *Error matches the sentinel
// of its kind.
var (
	ErrNotExist         = errors.New("not exist")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrIllegalState     = errors.New("illegal state")
	ErrNoExecutableFile = errors.New("no executable file")
	ErrFileNotFound     = errors.New("file not found")
)

var sentinels = map[ErrorKind]error{
	KindNotExist:         ErrNotExist,
	KindPermissionDenied: ErrPermissionDenied,
	KindValidation:       ErrValidation,
	KindIllegalState:     ErrIllegalState,
	KindNoExecutableFile: ErrNoExecutableFile,
	KindFileNotFound:     ErrFileNotFound,
}

// Error is a typed domain failure.
//
// # Fields
//
//   - Kind: Failure class, mapped to HTTP status codes at the boundary.
//   - Entity: Optional entity name ("Submission", "ResultFile", ...).
//   - ID: Optional identifier of the entity.
//   - Message: Human-readable message, safe to return to clients.
//   - Err: Optional underlying cause.
type Error struct {
	Kind    ErrorKind
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// NotExist reports a missing entity, e.g. "Submission with id='3' does not exist".
func NotExist(entity string, id any) *Error {
	idStr := fmt.Sprint(id)
	return &Error{
		Kind:    KindNotExist,
		Entity:  entity,
		ID:      idStr,
		Message: fmt.Sprintf("%s with id='%s' does not exist", entity, idStr),
	}
}

// NotExistf reports a missing entity with a custom message.
func NotExistf(format string, args ...any) *Error {
	return &Error{Kind: KindNotExist, Message: fmt.Sprintf(format, args...)}
}

// PermissionDeniedf reports an actor lacking a capability.
func PermissionDeniedf(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// IllegalStatef reports an operation invoked in the wrong lifecycle state.
func IllegalStatef(format string, args ...any) *Error {
	return &Error{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// NoExecutableFile reports an analysis without an executable file.
func NoExecutableFile(analysisID int64) *Error {
	return &Error{
		Kind:    KindNoExecutableFile,
		Entity:  "Analysis",
		ID:      fmt.Sprint(analysisID),
		Message: fmt.Sprintf("analysis with id='%d' has no executable file", analysisID),
	}
}

// FileNotFound reports a missing stored file.
func FileNotFound(name string, cause error) *Error {
	return &Error{
		Kind:    KindFileNotFound,
		ID:      name,
		Message: fmt.Sprintf("file '%s' not found", name),
		Err:     cause,
	}
}
