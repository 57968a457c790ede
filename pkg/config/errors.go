package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredField indicates a required setting is absent
	ErrMissingRequiredField = errors.New("missing required setting")

	// ErrInvalidValue indicates a setting has an invalid value
	ErrInvalidValue = errors.New("invalid setting value")
)

// ValidationError wraps configuration validation errors with context
type ValidationError struct {
	Section string // Configuration section (server, queue, auth, ...)
	Key     string // Environment variable name
	Err     error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Section, e.Key, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(section, key string, err error) *ValidationError {
	return &ValidationError{
		Section: section,
		Key:     key,
		Err:     err,
	}
}
