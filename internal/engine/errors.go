package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/beetle/internal/graph"
)

// ConfigErrorCode categorizes engine configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeInvalidConfig indicates a missing or malformed Config field.
	ErrCodeInvalidConfig ConfigErrorCode = "INVALID_CONFIG"

	// ErrCodeInvalidTransformation indicates a malformed transformation.
	ErrCodeInvalidTransformation ConfigErrorCode = "INVALID_TRANSFORMATION"

	// ErrCodeInvalidUniqueness indicates a uniqueness policy that does not
	// match the transformations.
	ErrCodeInvalidUniqueness ConfigErrorCode = "INVALID_UNIQUENESS"

	// ErrCodeUnknownExternalSource indicates the external source is not
	// registered in external_systems.
	ErrCodeUnknownExternalSource ConfigErrorCode = "UNKNOWN_EXTERNAL_SOURCE"
)

// ConfigError reports a run that was rejected before any step executed.
type ConfigError struct {
	Code    ConfigErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError returns true if err was raised before any step ran: an
// engine ConfigError or a step graph error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	return graph.IsConfigError(err)
}
