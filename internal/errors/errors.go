package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrClassificationSkip = errors.New("classification skipped")
	ErrAnalyzerTimeout    = errors.New("analyzer timeout")
	ErrAnalyzer           = errors.New("analyzer error")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrTransport          = errors.New("transport failure")
	ErrInvalidInput       = errors.New("invalid input")
	ErrScanInProgress     = errors.New("full scan already in progress")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeClassificationSkip ErrorType = "classification_skip"
	ErrorTypeAnalyzerTimeout    ErrorType = "analyzer_timeout"
	ErrorTypeAnalyzer           ErrorType = "analyzer_error"
	ErrorTypeLedgerUnavailable  ErrorType = "ledger_unavailable"
	ErrorTypeTransport          ErrorType = "transport_failure"
)

// ScanError is a structured error for scan operations
type ScanError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "analyze", "upsert")
	Path       string // File path the operation was working on, if any
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *ScanError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ScanError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrClassificationSkip:
		return e.Type == ErrorTypeClassificationSkip
	case ErrAnalyzerTimeout:
		return e.Type == ErrorTypeAnalyzerTimeout
	case ErrAnalyzer:
		return e.Type == ErrorTypeAnalyzer || e.Type == ErrorTypeAnalyzerTimeout
	case ErrLedgerUnavailable:
		return e.Type == ErrorTypeLedgerUnavailable
	case ErrTransport:
		return e.Type == ErrorTypeTransport
	}

	return errors.Is(e.Err, target)
}

// NewScanError creates a new ScanError
func NewScanError(errorType ErrorType, op, path string, err error) *ScanError {
	return &ScanError{
		Type:      errorType,
		Op:        op,
		Path:      path,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *ScanError) WithStatusCode(code int) *ScanError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// NonRetryable marks the error as permanent.
func (e *ScanError) NonRetryable() *ScanError {
	e.Retryable = false
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeAnalyzerTimeout:
		return true
	case ErrorTypeClassificationSkip, ErrorTypeLedgerUnavailable:
		return false
	default:
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return false
			}
			return !errors.Is(err, ErrInvalidInput)
		}
		return true
	}
}

// Helper functions

// WrapClassificationSkip marks a file as unreadable for classification.
func WrapClassificationSkip(path string, err error) error {
	return NewScanError(ErrorTypeClassificationSkip, "classify", path, err)
}

// WrapAnalyzerError wraps an analyzer failure with the HTTP status it returned, if any.
func WrapAnalyzerError(op, path string, err error, statusCode int) error {
	e := NewScanError(ErrorTypeAnalyzer, op, path, err)
	if statusCode > 0 {
		e.WithStatusCode(statusCode)
	}
	return e
}

// WrapAnalyzerTimeout wraps an attempt that exceeded its deadline.
func WrapAnalyzerTimeout(op, path string, err error) error {
	return NewScanError(ErrorTypeAnalyzerTimeout, op, path, err)
}

// WrapLedgerError wraps a storage failure. A nil err yields nil.
func WrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewScanError(ErrorTypeLedgerUnavailable, op, "", err)
}

// WrapTransportError wraps a notification delivery failure.
func WrapTransportError(op string, err error) error {
	return NewScanError(ErrorTypeTransport, op, "", err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAnalyzerTimeout)
}

// IsLedgerUnavailable reports whether err came from the issue ledger.
func IsLedgerUnavailable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}
