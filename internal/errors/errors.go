// Package errors provides error classification for tamagoyaki.
// Every failure that reaches the command line carries an ErrorType so the CLI
// can pick an exit code, and provider failures carry a retry decision that the
// exchange adapter uses for its backoff loop.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// User-facing kinds
	ErrorTypeInvalidArgument ErrorType = "invalid_argument" // Bad symbol, date or bucket
	ErrorTypeRange           ErrorType = "range"            // start date after end date
	ErrorTypeDataProvider    ErrorType = "data_provider"    // Network or API failure during update
	ErrorTypeNoData          ErrorType = "no_data"          // Export requested for a range with no records

	// Infrastructure kinds
	ErrorTypeStorage       ErrorType = "storage"       // Store read/write failures
	ErrorTypeConfiguration ErrorType = "configuration" // Configuration errors

	// Provider failure detail, used for retry decisions
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeBadRequest  ErrorType = "bad_request"
	ErrorTypeCanceled    ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Sentinels for errors.Is matching. They compare by type only.
var (
	ErrInvalidArgument = &ClassifiedError{Type: ErrorTypeInvalidArgument}
	ErrRange           = &ClassifiedError{Type: ErrorTypeRange}
	ErrDataProvider    = &ClassifiedError{Type: ErrorTypeDataProvider}
	ErrNoData          = &ClassifiedError{Type: ErrorTypeNoData}
	ErrStorage         = &ClassifiedError{Type: ErrorTypeStorage}
	ErrConfiguration   = &ClassifiedError{Type: ErrorTypeConfiguration}
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error
	Type      ErrorType
	Retryable bool
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Err == nil {
		return string(ce.Type)
	}
	if ce.Component == "" && ce.Operation == "" {
		return ce.Err.Error()
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports whether target is a ClassifiedError of the same type.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// New builds a ClassifiedError from a formatted message.
func New(errorType ErrorType, component, operation, format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{
		Err:       fmt.Errorf(format, args...),
		Type:      errorType,
		Component: component,
		Operation: operation,
	}
}

// Wrap attaches a type to err. A nil err stays nil.
func Wrap(err error, errorType ErrorType, component, operation string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Retryable: isRetryableType(errorType),
		Component: component,
		Operation: operation,
	}
}

// InvalidArgument is shorthand for a usage error detected during validation.
func InvalidArgument(format string, args ...interface{}) error {
	return &ClassifiedError{Err: fmt.Errorf(format, args...), Type: ErrorTypeInvalidArgument}
}

// Classify analyzes a provider-side error and returns a ClassifiedError with a
// retry decision. Already classified errors are returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Retryable: isRetryableType(errorType),
		Component: component,
		Operation: operation,
	}
}

// classifyErrorType determines the error type based on the error content
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "bad gateway") {
		return ErrorTypeServerError
	}

	if strings.Contains(errStr, "client error") {
		return ErrorTypeBadRequest
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"no such host",
		"unexpected eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func isRetryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	ce := Classify(err, "", "")
	return ce != nil && ce.Retryable
}

// GetErrorType returns the type of the outermost classified error in the chain
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
