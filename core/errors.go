package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Input validation errors
	ErrEmptyQuery     = errors.New("query is empty")
	ErrUnknownModel   = errors.New("unknown model id")
	ErrNoModels       = errors.New("no models available")

	// Routing errors
	ErrRateLimited         = errors.New("rate limited")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrProviderTransient   = errors.New("transient provider error")
	ErrProviderPermanent   = errors.New("permanent provider error")
	ErrPolicyRejection     = errors.New("content policy rejection")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrCancelled          = errors.New("request cancelled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrPlanning           = errors.New("strategy planning error")
)

// Error codes in the surfaced error taxonomy.
const (
	CodeValidation         = "validation"
	CodeRateLimited        = "rate_limited"
	CodeCircuitOpen        = "circuit_open"
	CodeProviderTransient  = "provider_transient"
	CodeProviderPermanent  = "provider_permanent"
	CodeAllProvidersFailed = "all_providers_failed"
	CodePolicy             = "policy"
	CodePlanning           = "planning"
	CodeCancelled          = "cancelled"
)

// HiveError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type HiveError struct {
	Code          string                 // Taxonomy code (e.g., "all_providers_failed")
	Message       string                 // Human-readable, sanitized message
	CorrelationID string                 // Request correlation ID
	Recoverable   bool                   // Whether the router could have recovered
	Details       map[string]interface{} // Developer-visible context (per-backend causes etc.)
	Err           error                  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *HiveError) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *HiveError) Unwrap() error {
	return e.Err
}

// NewHiveError creates a structured error with the given taxonomy code.
func NewHiveError(code, message, correlationID string, err error) *HiveError {
	return &HiveError{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Recoverable:   recoverableCode(code),
		Err:           err,
	}
}

// WithDetail attaches a key/value pair to the error's detail map.
func (e *HiveError) WithDetail(key string, value interface{}) *HiveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func recoverableCode(code string) bool {
	switch code {
	case CodeRateLimited, CodeCircuitOpen, CodeProviderTransient:
		return true
	default:
		return false
	}
}

// IsRateLimited checks if an error represents backend throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsCircuitOpen checks if an error is a quarantined-backend rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsTransient checks if an error is worth retrying against the same backend.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrMaxRetriesExceeded)
}

// IsPermanent checks if an error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProviderPermanent) ||
		errors.Is(err, ErrPolicyRejection)
}

// IsCancelled checks if an error came from caller cancellation.
// Cancellation is neither a success nor a failure for the circuit breaker.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsValidationError checks if an error came from bad caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrNoModels)
}
