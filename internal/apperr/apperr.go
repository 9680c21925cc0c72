// Package apperr defines the typed error vocabulary shared by the HTTP
// surface, the tool layer, and the worker runtime.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error condition in API responses and logs.
type Code string

const (
	CodeInvalidAPIKey           Code = "INVALID_API_KEY"
	CodeInvalidSignature        Code = "INVALID_SIGNATURE"
	CodeFeatureLimitExceeded    Code = "FEATURE_LIMIT_EXCEEDED"
	CodeSubscriptionInactive    Code = "SUBSCRIPTION_INACTIVE"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeInvalidInput            Code = "INVALID_INPUT"
	CodeCapacityExceeded        Code = "CAPACITY_EXCEEDED"
	CodeTenantNotFound          Code = "TENANT_NOT_FOUND"
	CodeResourceNotFound        Code = "RESOURCE_NOT_FOUND"
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeDailyMessageLimit       Code = "DAILY_MESSAGE_LIMIT"
	CodeFourEyesViolation       Code = "FOUR_EYES_VIOLATION"
	CodeConflict                Code = "CONFLICT"
	CodeInternal                Code = "INTERNAL_ERROR"
	CodeServiceUnavailable      Code = "SERVICE_UNAVAILABLE"
	CodeExternalAPI             Code = "EXTERNAL_API_ERROR"
	CodeDeliveryFailed          Code = "DELIVERY_FAILED"
)

// Category groups codes by how callers must treat them.
type Category string

const (
	// CategoryAuth errors are never retried and always audit-logged.
	CategoryAuth Category = "auth"
	// CategoryValidation errors surface as 400s or degrade classifier output.
	CategoryValidation Category = "validation"
	// CategoryTenantState errors render as a polite apology on customer paths.
	CategoryTenantState Category = "tenant_state"
	// CategoryTransient errors are retried with backoff inside the turn budget.
	CategoryTransient Category = "transient"
	// CategoryFatal errors roll back the enclosing transaction.
	CategoryFatal Category = "fatal"
)

// Error is the typed error carried across layer boundaries.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// RetryAfterSeconds is set for rate-limit responses.
	RetryAfterSeconds int

	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is allows errors.Is matching on code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a typed code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// WithDetail returns the error with an added detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CategoryOf maps a code to its handling category.
func (e *Error) CategoryOf() Category {
	switch e.Code {
	case CodeInvalidSignature, CodeInvalidAPIKey, CodeInsufficientPermissions, CodeFourEyesViolation:
		return CategoryAuth
	case CodeInvalidInput:
		return CategoryValidation
	case CodeSubscriptionInactive, CodeFeatureLimitExceeded, CodeDailyMessageLimit, CodeRateLimitExceeded:
		return CategoryTenantState
	case CodeExternalAPI, CodeServiceUnavailable, CodeDeliveryFailed:
		return CategoryTransient
	default:
		return CategoryFatal
	}
}

// Retryable reports whether a caller may retry the operation.
func (e *Error) Retryable() bool {
	return e.CategoryOf() == CategoryTransient
}

// HTTPStatus maps the code to an HTTP status for the operator API.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidSignature, CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodeFourEyesViolation, CodeConflict:
		return http.StatusConflict
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeTenantNotFound, CodeResourceNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded, CodeDailyMessageLimit:
		return http.StatusTooManyRequests
	case CodeSubscriptionInactive, CodeFeatureLimitExceeded:
		return http.StatusPaymentRequired
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeExternalAPI, CodeDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// From extracts a typed error, wrapping unknown errors as INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return Wrap(CodeInternal, "internal error", err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Code == code
}
