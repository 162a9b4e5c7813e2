// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserPoolExhausted = errors.New("browser pool exhausted: no browsers available")
	ErrBrowserPoolClosed    = errors.New("browser pool is closed")
	ErrBrowserPoolTimeout   = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy     = errors.New("browser is unhealthy")

	// Tab errors
	ErrTabNotFound  = errors.New("tab not found")
	ErrTooManyTabs  = errors.New("maximum number of tabs reached")
	ErrTabClosed    = errors.New("tab has been closed")
	ErrTabNotActive = errors.New("tab detector is not active")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrInvalidDomain  = errors.New("invalid domain")
	ErrInvalidCommand = errors.New("invalid command")
	ErrURLRequired    = errors.New("url is required")
	ErrTabIDRequired  = errors.New("tabId is required")

	// Settings errors
	ErrMalformedImport = errors.New("malformed settings import")
	ErrSettingsStore   = errors.New("settings store failure")

	// Probe channel errors
	ErrForeignMessage = errors.New("message does not carry the copyguard namespace")
	ErrUnknownMessage = errors.New("unknown probe message kind")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// MalformedInputError reports caller input that could not be interpreted.
// State is never mutated when this error is returned.
type MalformedInputError struct {
	Field   string // The offending field or input name
	Message string // Human-readable error message
	Err     error  // Underlying sentinel (for unwrapping)
}

// Error implements the error interface.
func (e *MalformedInputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// NewInvalidURLError creates an error for a URL that has no usable host.
func NewInvalidURLError(raw string) *MalformedInputError {
	return &MalformedInputError{
		Field:   "url",
		Message: "cannot derive a domain from " + quoteTrunc(raw),
		Err:     ErrInvalidURL,
	}
}

// NewInvalidDomainError creates an error for a whitelist domain that cannot be normalized.
func NewInvalidDomainError(domain, reason string) *MalformedInputError {
	return &MalformedInputError{
		Field:   "domain",
		Message: quoteTrunc(domain) + " " + reason,
		Err:     ErrInvalidDomain,
	}
}

// NewMalformedImportError creates an error for an import payload with the wrong shape.
func NewMalformedImportError(reason string) *MalformedInputError {
	return &MalformedInputError{
		Field:   "import",
		Message: reason,
		Err:     ErrMalformedImport,
	}
}

// ProbeError records a single in-page probe that failed to evaluate.
// Probe errors are treated as "no evidence" by the detector and never abort a pass.
type ProbeError struct {
	Probe string // Probe name: "css", "js", "selection", ...
	Err   error  // Underlying evaluation error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	return "probe " + e.Probe + " failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// PoolError provides detailed information about browser pool failures.
type PoolError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "Failed to acquire browser from pool: " + reason,
		Err:       err,
	}
}

func quoteTrunc(s string) string {
	const max = 128
	if len(s) > max {
		s = s[:max] + "..."
	}
	return `"` + s + `"`
}
