package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMalformedResponse is returned when a response lacks a required field.
	// It is never retried.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrCountUnavailable is returned by TotalCount when the remote record
	// count could not be determined.
	ErrCountUnavailable = errors.New("total count unavailable")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassTransient represents rate limiting (429) and overloaded
	// servers (500, 502, 503, 504). Retried with exponential backoff and jitter.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNetwork represents transport failures, any other non-2xx
	// status and undecodable bodies. Retried with linear backoff.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents a well-formed response missing an
	// expected field. Not retried.
	ErrorClassMalformed ErrorClass = "malformed"
)

// APIError represents a failed catalog API request with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("catalog %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTransientStatus reports whether an HTTP status is expected to clear
// up on its own after waiting.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// classifyStatus maps a non-2xx status to its retry class.
func classifyStatus(code int) ErrorClass {
	if IsTransientStatus(code) {
		return ErrorClassTransient
	}
	return ErrorClassNetwork
}

// classifyError determines the retry class of an attempt error.
func classifyError(err error) ErrorClass {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.ErrorClass
	case errors.Is(err, ErrMalformedResponse):
		return ErrorClassMalformed
	default:
		return ErrorClassNetwork
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassTransient, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// isContextError reports whether err stems from ctx being done.
func isContextError(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
