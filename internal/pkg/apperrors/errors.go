package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	// Engine-side failures. These never surface to the checkout caller.
	ErrTransientSignal    ErrorType = "TRANSIENT_SIGNAL_FAILURE"
	ErrConfiguration      ErrorType = "CONFIGURATION_FAILURE"
	ErrInvariantViolation ErrorType = "INVARIANT_VIOLATION"

	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

// Transient marks a recoverable signal failure (timeout, network, unavailable store).
func Transient(msg string, cause error) *AppError {
	return New(ErrTransientSignal, msg, cause)
}

func Configuration(msg string, cause error) *AppError {
	return New(ErrConfiguration, msg, cause)
}

func Invariant(msg string) *AppError {
	return New(ErrInvariantViolation, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries the given type anywhere in its chain.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrNotFound:
		return http.StatusNotFound
	case ErrTransientSignal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrInvalidRequest:
		return "Check the transaction payload."
	case ErrAuthFailed:
		return "Check API keys."
	case ErrRateLimited:
		return "Retry after a short delay."
	case ErrTransientSignal:
		return "Retry the request."
	default:
		return ""
	}
}
