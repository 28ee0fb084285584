package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/edulytics/backfill/pkg/core"
)

// Limits and configuration
const (
	// MaxTargetKeyLength is the maximum length for target keys
	MaxTargetKeyLength = 255

	// MaxConfigSize is the maximum size in bytes for job configs (1MB)
	MaxConfigSize = 1 << 20

	// MaxItemRetries is the hard limit for per-item retry attempts
	MaxItemRetries = 100

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxRetainedItemErrors bounds the per-item error list persisted on a
	// job record. The total error count is tracked separately and stays
	// accurate past the bound.
	MaxRetainedItemErrors = 100
)

// validTargetKey matches alphanumeric, hyphens, underscores, dots, and colons
var validTargetKey = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.:]*$`)

// ValidateTargetKey validates a target key
func ValidateTargetKey(key string) error {
	if key == "" {
		return core.ErrInvalidTargetKey
	}
	if len(key) > MaxTargetKeyLength {
		return core.ErrInvalidTargetKey
	}
	if !validTargetKey.MatchString(key) {
		return core.ErrInvalidTargetKey
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures a per-item retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxItemRetries {
		return MaxItemRetries
	}
	return n
}

// BoundItemErrors truncates an item error list to the retained maximum.
func BoundItemErrors(errs []core.ItemError) []core.ItemError {
	if len(errs) <= MaxRetainedItemErrors {
		return errs
	}
	return errs[:MaxRetainedItemErrors]
}
