package security

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// Tab ID constraints.
const (
	MinTabIDLength = 16
	MaxTabIDLength = 64
)

// validTabIDPattern allows alphanumeric, hyphens, and underscores
var validTabIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedTabIDPatterns are rejected anywhere in a tab ID.
var blockedTabIDPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"__proto__",
	"constructor",
}

// GenerateTabID returns a random 32-character hex tab ID.
func GenerateTabID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ValidateTabID checks a client-supplied tab ID. It returns an error
// message, or "" when the ID is acceptable.
func ValidateTabID(id string) string {
	if id == "" {
		return "tab ID is required"
	}

	if len(id) < MinTabIDLength {
		return "tab ID too short (min 16 characters)"
	}

	if len(id) > MaxTabIDLength {
		return "tab ID too long (max 64 characters)"
	}

	if !validTabIDPattern.MatchString(id) {
		return "tab ID contains invalid characters (use alphanumeric, hyphens, underscores only)"
	}

	idLower := strings.ToLower(id)
	for _, pattern := range blockedTabIDPatterns {
		if strings.Contains(idLower, pattern) {
			return "tab ID contains blocked pattern"
		}
	}

	return ""
}
