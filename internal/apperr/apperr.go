// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package apperr defines the error taxonomy shared by the engine, the
// permission guard, and the change request service. Errors carry a Kind so
// the action boundary can map them to a user-facing failure without string
// matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindTicketNotFound     Kind = "TICKET_NOT_FOUND"
	KindStepNotFound       Kind = "STEP_NOT_FOUND"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidState       Kind = "INVALID_STATE"
	KindPermissionDenied   Kind = "PERMISSION_DENIED"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindConcurrency        Kind = "CONCURRENCY"
	KindInfoRequestOpen    Kind = "INFO_REQUEST_OPEN"
	KindApproverResolution Kind = "APPROVER_RESOLUTION"
	KindManagerNotFound    Kind = "MANAGER_NOT_FOUND"
	KindTransitionNotFound Kind = "TRANSITION_NOT_FOUND"
	KindEmailSend          Kind = "EMAIL_SEND"
)

// FieldMessage is one field-level validation failure.
type FieldMessage struct {
	Field   string
	Message string
}

// Error is the concrete error type for every Kind.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries field-level messages for KindValidation.
	Fields []FieldMessage
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works and
// sentinel comparisons stay cheap.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// TicketNotFound reports a missing ticket.
func TicketNotFound(ticketID string) *Error {
	return New(KindTicketNotFound, "ticket %s not found", ticketID)
}

// StepNotFound reports a missing ticket step.
func StepNotFound(stepID string) *Error {
	return New(KindStepNotFound, "step %s not found", stepID)
}

// NotFound reports any other missing entity.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "%s %s not found", entity, id)
}

// InvalidState reports an action attempted in a state that does not allow it.
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// PermissionDenied reports a refused authorization decision.
func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

// Validation reports input that failed form or semantic validation.
func Validation(message string, fields ...FieldMessage) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// Concurrency reports a failed optimistic version check.
func Concurrency(entity, id string) *Error {
	return New(KindConcurrency, "concurrent update on %s %s", entity, id)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
