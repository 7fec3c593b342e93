package client

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all transient retry attempts are used up.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRateLimited accompanies ErrRetryExhausted when the upstream kept
	// answering 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrContextCancelled is returned when the caller's context ends.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrQuery marks structural request errors that retrying cannot fix.
	ErrQuery = errors.New("query rejected")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents GraphQL errors and non-retryable 4xx.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassUnauthorized represents 401 responses.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassServer represents 5xx, 408 and malformed 2xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// GraphQLError is one entry of a response's errors array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// QueryError is a request the upstream rejected as malformed. It is never
// retried.
type QueryError struct {
	StatusCode int
	Errors     []GraphQLError
	Message    string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	msg := e.Message
	if len(e.Errors) > 0 {
		msgs := make([]string, len(e.Errors))
		for i, ge := range e.Errors {
			msgs[i] = ge.Message
		}
		msg = strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("%s (status %d): %s", ErrQuery, e.StatusCode, msg)
}

// Unwrap lets errors.Is match ErrQuery.
func (e *QueryError) Unwrap() error {
	return ErrQuery
}

// RequestError is a single failed attempt with its classification.
type RequestError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or "" if it carries none.
func ClassOf(err error) ErrorClass {
	var re *RequestError
	if errors.As(err, &re) {
		return re.ErrorClass
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return ErrorClassClient
	}
	return ""
}

// shouldRetry determines if an error class is transient.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork, ErrorClassRateLimit:
		return true
	default:
		return false
	}
}
