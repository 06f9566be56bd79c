// Package errhandling provides error types, classification, and retry utilities.
// This file defines error categories, classification functions, and helper utilities
// shared by the codec, transform, storage and orchestration layers.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
)

// ErrorCategory represents the type/category of an error.
// Categories help determine the appropriate error handling strategy.
type ErrorCategory string

// Error categories for classification.
const (
	// CategoryIO represents local filesystem failures (permissions, disk full, missing dirs).
	CategoryIO ErrorCategory = "io"

	// CategoryFormat represents annotation content that does not match the declared format.
	CategoryFormat ErrorCategory = "format"

	// CategoryParse represents a missing or malformed file read for reporting.
	CategoryParse ErrorCategory = "parse"

	// CategoryConfig represents invalid caller configuration (split ratios, job types, URIs).
	CategoryConfig ErrorCategory = "config"

	// CategoryFilter represents a predicate that raised or returned a non-boolean.
	CategoryFilter ErrorCategory = "filter"

	// CategoryNetwork represents network-related errors (timeout, connection refused, DNS).
	// Network errors are typically transient and retryable.
	CategoryNetwork ErrorCategory = "network"

	// CategoryAuthentication represents rejected or missing credentials.
	// Authentication errors are fatal and should not be retried.
	CategoryAuthentication ErrorCategory = "authentication"

	// CategoryNotFound represents an unreachable bucket, prefix or key.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryUnknown represents unclassified errors.
	CategoryUnknown ErrorCategory = "unknown"
)

// ClassifiedError wraps an error with classification metadata.
// It provides category, retryability status, and contextual information.
type ClassifiedError struct {
	// Category is the error classification category.
	Category ErrorCategory

	// Retryable indicates whether the error is transient and can be retried.
	Retryable bool

	// StatusCode is the HTTP status code (0 if not an HTTP error).
	StatusCode int

	// Message is a human-readable error message.
	Message string

	// OriginalErr is the underlying error that was classified.
	OriginalErr error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if e.OriginalErr != nil && msg != e.OriginalErr.Error() {
		msg = fmt.Sprintf("%s: %v", msg, e.OriginalErr)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Category, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Category, msg)
}

// Unwrap returns the original error for use with errors.Is and errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

// ClassifyHTTPStatus classifies an HTTP error based on status code.
//
// Classification rules:
//   - 401, 403: Authentication errors (not retryable)
//   - 404: Not found errors (not retryable)
//   - 400 and other 4xx: Config errors, the request itself is wrong (not retryable)
//   - 408, 429, 5xx: Network errors (retryable)
//   - Unknown status codes: CategoryUnknown (not retryable)
func ClassifyHTTPStatus(statusCode int, message string) *ClassifiedError {
	switch {
	case statusCode == 401 || statusCode == 403:
		return &ClassifiedError{
			Category:   CategoryAuthentication,
			StatusCode: statusCode,
			Message:    nonEmpty(message, "access denied"),
		}
	case statusCode == 404:
		return &ClassifiedError{
			Category:   CategoryNotFound,
			StatusCode: statusCode,
			Message:    nonEmpty(message, "not found"),
		}
	case statusCode == 408 || statusCode == 429 || statusCode >= 500:
		return &ClassifiedError{
			Category:   CategoryNetwork,
			Retryable:  true,
			StatusCode: statusCode,
			Message:    nonEmpty(message, "transient server error"),
		}
	case statusCode >= 400:
		return &ClassifiedError{
			Category:   CategoryConfig,
			StatusCode: statusCode,
			Message:    nonEmpty(message, "client error"),
		}
	default:
		return &ClassifiedError{
			Category:   CategoryUnknown,
			StatusCode: statusCode,
			Message:    message,
		}
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// ClassifyNetworkError classifies a network-related error.
//
// Classification rules:
//   - Timeout errors: Network category (retryable)
//   - Context canceled: Network category (not retryable, user initiated)
//   - net.OpError, DNS errors, URL errors: Network category (retryable)
//   - Anything else: Unknown category (not retryable)
func ClassifyNetworkError(err error) *ClassifiedError {
	if err == nil {
		return &ClassifiedError{
			Category: CategoryUnknown,
			Message:  "nil error",
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError("request timeout", err)
	}

	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{
			Category:    CategoryNetwork,
			Retryable:   false,
			Message:     "context canceled",
			OriginalErr: err,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewNetworkError(fmt.Sprintf("network error: %s %s", opErr.Op, opErr.Net), err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewNetworkError(fmt.Sprintf("DNS error: %s", dnsErr.Name), err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewNetworkError(fmt.Sprintf("URL error: %s %s", urlErr.Op, urlErr.URL), err)
	}

	type timeoutError interface {
		Timeout() bool
	}
	var timeoutErr timeoutError
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return NewNetworkError("timeout", err)
	}

	return &ClassifiedError{
		Category:    CategoryUnknown,
		Message:     err.Error(),
		OriginalErr: err,
	}
}

// ClassifyError classifies any error into a ClassifiedError.
// It handles already classified errors, filesystem errors and network errors.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return &ClassifiedError{
			Category: CategoryUnknown,
			Message:  "nil error",
		}
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return NewIOError(err.Error(), err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return ClassifyNetworkError(err)
	}

	return &ClassifiedError{
		Category:    CategoryUnknown,
		Message:     err.Error(),
		OriginalErr: err,
	}
}

// IsRetryable returns true if the error is classified as retryable.
// Nil errors return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Retryable
}

// IsFatal returns true if the error should never be retried automatically.
// Fatal categories: Authentication, NotFound, Config, Format, Filter.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch GetErrorCategory(err) {
	case CategoryAuthentication, CategoryNotFound, CategoryConfig, CategoryFormat, CategoryFilter:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the error category for a given error.
// Returns CategoryUnknown for nil or unclassified errors.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	return CategoryUnknown
}

// IsCategory reports whether err carries the given classification anywhere in its chain.
func IsCategory(err error, category ErrorCategory) bool {
	return err != nil && GetErrorCategory(err) == category
}

// NewIOError creates a ClassifiedError for local filesystem failures.
func NewIOError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryIO,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewFormatError creates a ClassifiedError for annotation content violating its declared format.
func NewFormatError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryFormat,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewParseError creates a ClassifiedError for missing or malformed report inputs.
func NewParseError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryParse,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewConfigError creates a ClassifiedError for invalid caller configuration.
func NewConfigError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryConfig,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewFilterError creates a ClassifiedError for predicate failures.
func NewFilterError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryFilter,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewNetworkError creates a ClassifiedError for network errors.
func NewNetworkError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryNetwork,
		Retryable:   true,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewAuthenticationError creates a ClassifiedError for authentication errors.
func NewAuthenticationError(statusCode int, message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryAuthentication,
		StatusCode:  statusCode,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// NewNotFoundError creates a ClassifiedError for not found errors.
func NewNotFoundError(message string, originalErr error) *ClassifiedError {
	return &ClassifiedError{
		Category:    CategoryNotFound,
		StatusCode:  404,
		Message:     message,
		OriginalErr: originalErr,
	}
}
