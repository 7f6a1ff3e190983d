package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrorNotFound                ErrorCode = "NOT_FOUND"
	ErrorConfigurationMissing    ErrorCode = "CONFIGURATION_MISSING"
	ErrorBadRequest              ErrorCode = "BAD_REQUEST"
	ErrorUpstream                ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamInvalidResponse ErrorCode = "UPSTREAM_INVALID_RESPONSE"
	ErrorInternal                ErrorCode = "INTERNAL_ERROR"
)

// ErrConfigurationMissing marks a required named configuration value that is
// absent or blank. It is recoverable: the orchestrator records it on the turn.
var ErrConfigurationMissing = errors.New("configuration missing")

// Error is the typed failure returned by TutorService. Message is the
// human-readable text recorded on the turn and shown to the caller; Status is
// the HTTP-style result code.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Status: defaultStatus(code), Err: err}
}

func newFailure(code ErrorCode, reason, message string, status int, err error) *Error {
	return &Error{Code: code, Reason: reason, Message: message, Status: status, Err: err}
}

func defaultStatus(code ErrorCode) int {
	switch code {
	case ErrorInvalidInput, ErrorBadRequest:
		return http.StatusBadRequest
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorUpstream, ErrorUpstreamInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// configMissingError carries the user-facing explanation for a missing value.
type configMissingError struct {
	message string
}

func (e *configMissingError) Error() string { return e.message }

func (e *configMissingError) Is(target error) bool { return target == ErrConfigurationMissing }

func missingConfig(message string) error {
	return &configMissingError{message: message}
}
