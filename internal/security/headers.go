package security

import (
	"errors"
	"fmt"
	"strings"
)

// Header validation constants.
const (
	MaxHeaderCount       = 32
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192  // 8KB per header
	MaxTotalHeadersSize  = 65536 // 64KB total for all headers combined
)

// Header validation errors.
var (
	ErrTooManyHeaders      = errors.New("too many headers (maximum 32)")
	ErrHeaderNameTooLong   = errors.New("header name exceeds maximum length of 256 bytes")
	ErrHeaderValueTooLong  = errors.New("header value exceeds maximum length of 8KB")
	ErrTotalHeadersTooLong = errors.New("total headers size exceeds maximum of 64KB")
	ErrHeaderNameEmpty     = errors.New("header name cannot be empty")
	ErrBlockedHeader       = errors.New("header is managed by the HTTP client")
	ErrInvalidHeaderName   = errors.New("header name contains invalid characters")
	ErrInvalidHeaderChar   = errors.New("header value contains invalid characters")
)

// blockedHeaders are set by the HTTP client or the notifier itself and may
// not be overridden from configuration.
var blockedHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-length":    true,
	"content-type":      true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
}

// blockedHeaderPrefixes are hop-by-hop or proxy headers.
var blockedHeaderPrefixes = []string{
	"proxy-",
	"x-forwarded-",
}

// ValidateWebhookHeaders checks the operator-configured headers sent with
// every webhook notification. Credentials such as Authorization are allowed.
func ValidateWebhookHeaders(headers map[string]string) error {
	if headers == nil {
		return nil
	}

	if len(headers) > MaxHeaderCount {
		return ErrTooManyHeaders
	}

	var totalSize int

	for name, value := range headers {
		if err := validateHeaderName(name); err != nil {
			return fmt.Errorf("invalid header name %q: %w", name, err)
		}

		if err := validateHeaderValue(value); err != nil {
			return fmt.Errorf("invalid value for header %q: %w", name, err)
		}

		totalSize += len(name) + len(value) + 4
		if totalSize > MaxTotalHeadersSize {
			return ErrTotalHeadersTooLong
		}
	}

	return nil
}

// validateHeaderName checks if a header name is valid and allowed.
func validateHeaderName(name string) error {
	if name == "" {
		return ErrHeaderNameEmpty
	}

	if len(name) > MaxHeaderNameLength {
		return ErrHeaderNameTooLong
	}

	// Check for invalid characters (header names should be ASCII, no control chars or spaces)
	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return ErrInvalidHeaderName
		}
	}

	// Normalize to lowercase for comparison
	nameLower := strings.ToLower(name)

	// Check against blocked headers
	if blockedHeaders[nameLower] {
		return ErrBlockedHeader
	}

	// Check against blocked prefixes
	for _, prefix := range blockedHeaderPrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return ErrBlockedHeader
		}
	}

	return nil
}

// validateHeaderValue checks if a header value is valid.
// Only printable ASCII is accepted; tabs are rejected too.
func validateHeaderValue(value string) error {
	if len(value) > MaxHeaderValueLength {
		return ErrHeaderValueTooLong
	}

	for _, c := range value {
		if c < 32 || c >= 127 {
			return ErrInvalidHeaderChar
		}
	}

	return nil
}
