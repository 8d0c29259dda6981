package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNoProviderAvailable    = errors.New("no provider available")
	ErrProviderDispatchFailed = errors.New("provider dispatch failed")
	ErrRetriesExhausted       = errors.New("retries exhausted")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrNotFound               = errors.New("not found")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrCircuitBreakerOpen     = errors.New("circuit breaker open")

	ErrProviderNotFound = fmt.Errorf("provider %w", ErrNotFound)
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
)

// Error is a classified failure surfaced to the caller. Kind is one of the
// sentinel errors above; ResetAt is set for rate limit and quota failures.
type Error struct {
	Kind    error
	Status  int
	Message string
	ResetAt time.Time
	Err     error
}

func NewError(kind error, message string) *Error {
	return &Error{
		Kind:    kind,
		Status:  StatusFor(kind),
		Message: message,
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Code is the machine-readable name of the error kind.
func (e *Error) Code() string {
	return CodeFor(e.Kind)
}

func StatusFor(kind error) int {
	switch {
	case errors.Is(kind, ErrNoProviderAvailable), errors.Is(kind, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, ErrProviderDispatchFailed), errors.Is(kind, ErrRetriesExhausted):
		return http.StatusBadGateway
	case errors.Is(kind, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(kind, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(kind, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(kind, ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func CodeFor(kind error) string {
	switch {
	case errors.Is(kind, ErrNoProviderAvailable):
		return "NO_PROVIDER_AVAILABLE"
	case errors.Is(kind, ErrProviderDispatchFailed):
		return "PROVIDER_DISPATCH_FAILED"
	case errors.Is(kind, ErrRetriesExhausted):
		return "RETRIES_EXHAUSTED"
	case errors.Is(kind, ErrRateLimitExceeded):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(kind, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(kind, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(kind, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(kind, ErrCircuitBreakerOpen):
		return "CIRCUIT_BREAKER_OPEN"
	}
	return "INTERNAL"
}

// AsError extracts a classified error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
