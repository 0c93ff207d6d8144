// Package errors provides standardized error handling for the yuyu host.
//
// Errors carry a machine-readable code, a human-readable message, and the
// HTTP status used when they cross an HTTP surface. Handlers on the control
// API additionally wrap results in the {retcode, data|message} envelope the
// UI expects (retcode 0 on success, 1 on failure).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeEmptyEntry          = "EMPTY_ENTRY"
	ErrCodeProxyNotReady       = "PROXY_NOT_READY"
	ErrCodeSpawnFailed         = "SPAWN_FAILED"
	ErrCodeIO                  = "IO_ERROR"
	ErrCodePluginRunning       = "PLUGIN_RUNNING"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// AppError is a standardized application error with HTTP context.
type AppError struct {
	// Code is a machine-readable identifier in UPPER_SNAKE_CASE.
	Code string `json:"code"`

	// Message is a human-readable description suitable for the UI.
	Message string `json:"message"`

	// Details carries wrapped error text for debugging.
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status for this error. Not serialized.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an AppError with the status implied by its code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

// Wrap attaches an underlying error as details.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusFor(code)}
}

func statusFor(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeEmptyEntry:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePluginRunning:
		return http.StatusConflict
	case ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrCodeProxyNotReady, ErrCodeSpawnFailed, ErrCodeIO, ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Constructors for the host's error kinds.

func BadRequest(message string) *AppError { return New(ErrCodeBadRequest, message) }

func Unauthorized(message string) *AppError { return New(ErrCodeUnauthorized, message) }

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func EmptyEntry() *AppError { return New(ErrCodeEmptyEntry, "plugin entry cannot be empty") }

func ProxyNotReady() *AppError {
	return New(ErrCodeProxyNotReady, "upstream proxy ports are not ready")
}

func SpawnFailed(err error) *AppError {
	return Wrap(ErrCodeSpawnFailed, "failed to start plugin process", err)
}

func IO(message string, err error) *AppError { return Wrap(ErrCodeIO, message, err) }

func PluginRunning(id string) *AppError {
	return New(ErrCodePluginRunning, fmt.Sprintf("plugin %s is running, stop it first", id))
}

func UpstreamUnavailable(err error) *AppError {
	return Wrap(ErrCodeUpstreamUnavailable, "upstream bot service unreachable", err)
}

func Internal(message string) *AppError { return New(ErrCodeInternal, message) }

// AsAppError extracts an AppError from err, wrapping foreign errors as
// internal ones so every surface returns a consistent shape.
func AsAppError(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return Wrap(ErrCodeInternal, "internal error", err)
}

// Response is the control-API envelope.
type Response struct {
	Retcode int    `json:"retcode"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Response { return Response{Retcode: 0, Data: data} }

// Fail wraps an error in a failure envelope.
func Fail(err error) Response {
	return Response{Retcode: 1, Message: AsAppError(err).Message}
}
