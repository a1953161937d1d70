// Package core provides the shared types of the acquisition engine.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass is the retry classification of a failed fetch attempt.
type ErrorClass string

const (
	// ErrorClassTransient covers network blips, timeouts and 5xx responses.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassRateLimited covers 429 responses.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassBlocked covers 403 responses and WAF challenge pages.
	ErrorClassBlocked ErrorClass = "blocked"
	// ErrorClassFatal covers malformed requests and permanently missing keys.
	ErrorClassFatal ErrorClass = "fatal"
)

// Retryable reports whether an attempt failing with this class may be retried.
func (c ErrorClass) Retryable() bool {
	return c != ErrorClassFatal
}

// FetchError is the error type returned for every failed fetch attempt.
type FetchError struct {
	Class      ErrorClass `json:"class"`
	Message    string     `json:"message"`
	StatusCode int        `json:"status_code,omitempty"`
	Key        Key        `json:"key"`
	// Original error for debugging
	Err error `json:"-"`
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status %d): %s", e.Key, e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Key, e.Class, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientError creates an error for a failure worth retrying soon.
func NewTransientError(key Key, statusCode int, message string, err error) *FetchError {
	return &FetchError{
		Class:      ErrorClassTransient,
		Message:    message,
		StatusCode: statusCode,
		Key:        key,
		Err:        err,
	}
}

// NewRateLimitedError creates an error for a 429 response.
func NewRateLimitedError(key Key, message string) *FetchError {
	return &FetchError{
		Class:      ErrorClassRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Key:        key,
	}
}

// NewBlockedError creates an error for a response rejected by the upstream's
// anti-automation layer.
func NewBlockedError(key Key, statusCode int, message string) *FetchError {
	return &FetchError{
		Class:      ErrorClassBlocked,
		Message:    message,
		StatusCode: statusCode,
		Key:        key,
	}
}

// NewFatalError creates an error that must not be retried.
func NewFatalError(key Key, statusCode int, message string, err error) *FetchError {
	return &FetchError{
		Class:      ErrorClassFatal,
		Message:    message,
		StatusCode: statusCode,
		Key:        key,
		Err:        err,
	}
}

// ClassOf returns the class carried by err. Errors that are not a FetchError
// are treated as transient.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ErrorClassTransient
}
