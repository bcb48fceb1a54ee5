// Package apperr holds the error taxonomy shared by the realtime core,
// the websocket transport and the HTTP handlers.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrTimeout        = errors.New("timed out")
	ErrTransientStore = errors.New("store unavailable")
	ErrValidation     = errors.New("invalid request")
)

// HTTPStatus maps an error chain onto the status code returned to REST callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the short identifier sent to websocket clients in error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransientStore):
		return "unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransientStore)
}
