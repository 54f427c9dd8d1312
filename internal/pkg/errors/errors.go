// Package errors provides the standardized API error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error codes consumed by clients. These never change meaning.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodePaymentRequired     = "PAYMENT_REQUIRED"
	CodePaymentAlreadyUsed  = "PAYMENT_ALREADY_USED"
	CodeBackendTimeout      = "BACKEND_TIMEOUT"
	CodeBackendError        = "BACKEND_ERROR"
	CodeCancelled           = "CANCELLED"
	CodeInternal            = "INTERNAL"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	StatusCode int           `json:"-"`
	Details    any           `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	c := *e
	c.Message = message
	return &c
}

// WithRetryAfter returns a copy of the error carrying a retry hint,
// surfaced as a Retry-After header by the response writer.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	c := *e
	c.RetryAfter = d
	return &c
}

// Standard error definitions
var (
	// ErrUnauthorized is returned when authentication is required but missing or invalid.
	ErrUnauthorized = &APIError{
		Code:       CodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrForbidden is returned when the caller lacks permission for an action.
	ErrForbidden = &APIError{
		Code:       CodeForbidden,
		Message:    "You don't have permission to perform this action",
		StatusCode: http.StatusForbidden,
	}

	// ErrRateLimited is returned when rate limits or admission control refuse a request.
	ErrRateLimited = &APIError{
		Code:       CodeRateLimited,
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       CodeBadRequest,
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       CodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrInsufficientCredits is returned when the ledger refuses a reserve.
	ErrInsufficientCredits = &APIError{
		Code:       CodeInsufficientCredits,
		Message:    "Insufficient credits for this generation",
		StatusCode: http.StatusPaymentRequired,
	}

	// ErrPaymentRequired is returned on the x402 surface when no payment
	// accompanies the request. Carries payment requirements in Details.
	ErrPaymentRequired = &APIError{
		Code:       CodePaymentRequired,
		Message:    "Payment required",
		StatusCode: http.StatusPaymentRequired,
	}

	// ErrPaymentAlreadyUsed is returned when a payment signature is replayed.
	ErrPaymentAlreadyUsed = &APIError{
		Code:       CodePaymentAlreadyUsed,
		Message:    "Payment signature has already been used",
		StatusCode: http.StatusBadRequest,
	}

	// ErrBackendTimeout is returned when an upstream backend exceeds its deadline.
	ErrBackendTimeout = &APIError{
		Code:       CodeBackendTimeout,
		Message:    "Upstream backend timed out",
		StatusCode: http.StatusGatewayTimeout,
	}

	// ErrBackendError is returned when an upstream backend fails.
	ErrBackendError = &APIError{
		Code:       CodeBackendError,
		Message:    "Upstream backend error",
		StatusCode: http.StatusBadGateway,
	}

	// ErrCancelled marks work stopped at the caller's request. It is a
	// client-visible terminal state rather than a transport failure.
	ErrCancelled = &APIError{
		Code:       CodeCancelled,
		Message:    "Generation was cancelled",
		StatusCode: http.StatusConflict,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       CodeInternal,
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       CodeBadRequest,
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewValidationErrors creates a validation error with multiple field errors.
func NewValidationErrors(fields map[string]string) *APIError {
	return &APIError{
		Code:       CodeBadRequest,
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    fields,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// NewBackendError creates a backend error with a custom message.
func NewBackendError(message string) *APIError {
	return &APIError{
		Code:       CodeBackendError,
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

// NewInternalError creates an internal error with a custom message.
// This should only be used in development; in production, use ErrInternal.
func NewInternalError(message string) *APIError {
	return &APIError{
		Code:       CodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// IsAPIError checks if an error is an APIError anywhere in its chain.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return stderrors.As(err, &apiErr)
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}
