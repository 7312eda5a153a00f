package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidIdempotencyKey indicates a malformed idempotency token.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	// ErrInvalidCallerID indicates a malformed caller identifier.
	ErrInvalidCallerID = errors.New("invalid caller id")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateIdempotencyKey enforces a conservative pattern for idempotency
// tokens so they stay usable as map keys and log fields.
func ValidateIdempotencyKey(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidIdempotencyKey)
	}
	if !identifierPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, trimmed)
	}
	return trimmed, nil
}

// ValidateCallerID enforces the same identifier pattern for caller IDs.
func ValidateCallerID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidCallerID)
	}
	if !identifierPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCallerID, trimmed)
	}
	return trimmed, nil
}

// ValidateMetadata enforces constraints on metadata maps and returns a copy
// containing trimmed keys and values.
func ValidateMetadata(meta map[string]string, maxEntries, maxKeyLen, maxValueLen int) (map[string]string, error) {
	if len(meta) == 0 {
		return nil, nil
	}

	if maxEntries > 0 && len(meta) > maxEntries {
		return nil, fmt.Errorf("metadata entries exceeded: got %d, max %d", len(meta), maxEntries)
	}

	out := make(map[string]string, len(meta))
	for rawKey, rawValue := range meta {
		key := strings.TrimSpace(rawKey)
		value := strings.TrimSpace(rawValue)

		if key == "" {
			return nil, errors.New("metadata key cannot be empty")
		}

		if maxKeyLen > 0 && utf8.RuneCountInString(key) > maxKeyLen {
			return nil, fmt.Errorf("metadata key %q exceeds max length %d", key, maxKeyLen)
		}

		if maxValueLen > 0 && utf8.RuneCountInString(value) > maxValueLen {
			return nil, fmt.Errorf("metadata value for %q exceeds max length %d", key, maxValueLen)
		}

		out[key] = value
	}

	return out, nil
}

// EnsureMaxBytes checks that a byte slice does not exceed the specified size.
func EnsureMaxBytes(field string, b []byte, max int) error {
	if max <= 0 {
		return nil
	}
	if len(b) > max {
		return fmt.Errorf("%s exceeds maximum size of %d bytes", field, max)
	}
	return nil
}
