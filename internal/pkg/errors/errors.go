// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines the error type shared by the service and handler
// layers. Services return *AppError values; the HTTP layer maps them onto
// status codes and JSON bodies without parsing error text.
package errors

import (
	"fmt"
	"net/http"
)

// AppError couples a machine-readable code and an HTTP status with the
// message shown to the caller. A nil Err means the error originated here
// rather than wrapping a lower-level failure.
type AppError struct {
	Code       string `json:"code"`    // Stable identifier, e.g. "SCAN_NOT_FOUND"
	Message    string `json:"message"` // What the API response carries
	StatusCode int    `json:"-"`       // HTTP status the handler replies with
	Err        error  `json:"-"`       // Underlying cause, when wrapping
}

// Error makes AppError usable as a plain error. A wrapped cause, when
// present, is appended after the message.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError with no underlying cause.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap builds an AppError around an underlying cause.
func Wrap(err error, code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Sentinels for the responses every handler shares.
var (
	ErrInvalidRequest      = New("INVALID_REQUEST", "Invalid request", http.StatusUnprocessableEntity)
	ErrUnauthorized        = New("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	ErrForbidden           = New("FORBIDDEN", "Access denied", http.StatusForbidden)
	ErrNotFound            = New("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrUpstreamUnavailable = New("UPSTREAM_UNAVAILABLE", "Upstream service unavailable", http.StatusBadGateway)
	ErrParse               = New("PARSE_ERROR", "Unreadable upstream payload", http.StatusUnprocessableEntity)
	ErrInternal            = New("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
)

// NewInvalidRequest flags input the service refused to process (422).
func NewInvalidRequest(message string) *AppError {
	return New("INVALID_REQUEST", message, http.StatusUnprocessableEntity)
}

// WrapInvalidRequest is NewInvalidRequest keeping the underlying cause.
func WrapInvalidRequest(err error, message string) *AppError {
	return Wrap(err, "INVALID_REQUEST", message, http.StatusUnprocessableEntity)
}

// NewNotFound names a missing resource (404). Malformed UUIDs report this
// too, so probing with garbage IDs looks the same as probing with unused ones.
func NewNotFound(message string) *AppError {
	return New("NOT_FOUND", message, http.StatusNotFound)
}

// NewForbidden rejects access to a resource the caller knows exists (403).
func NewForbidden(message string) *AppError {
	return New("FORBIDDEN", message, http.StatusForbidden)
}

// WrapUpstreamUnavailable reports a scanner dispatch failure (502).
func WrapUpstreamUnavailable(err error, message string) *AppError {
	return Wrap(err, "UPSTREAM_UNAVAILABLE", message, http.StatusBadGateway)
}

// WrapParse reports an upstream payload the service could not decode (422).
func WrapParse(err error, message string) *AppError {
	return Wrap(err, "PARSE_ERROR", message, http.StatusUnprocessableEntity)
}

// WrapInternal hides an unexpected failure behind a generic 500.
func WrapInternal(err error, message string) *AppError {
	return Wrap(err, "INTERNAL_ERROR", message, http.StatusInternalServerError)
}
