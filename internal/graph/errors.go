package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigErrorCode categorizes step graph configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeUnknownDependency indicates a step depends on a name no step has.
	ErrCodeUnknownDependency ConfigErrorCode = "UNKNOWN_DEPENDENCY"

	// ErrCodeDuplicateStep indicates two steps share a name.
	ErrCodeDuplicateStep ConfigErrorCode = "DUPLICATE_STEP"

	// ErrCodeCycle indicates the dependency graph is not acyclic.
	ErrCodeCycle ConfigErrorCode = "CYCLE"

	// ErrCodeStalled indicates no step can make progress.
	ErrCodeStalled ConfigErrorCode = "STALLED"
)

// ConfigError reports a step graph that cannot be executed. It is raised
// before any step runs.
type ConfigError struct {
	Code    ConfigErrorCode
	Message string

	// Names lists the offending step or dependency names. For cycles it is
	// the cycle path, first name repeated at the end.
	Names []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConfigError returns true if err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsCycleError returns true if err is or wraps a cycle ConfigError.
func IsCycleError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeCycle
	}
	return false
}

func newCycleError(path []string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeCycle,
		Message: "dependency cycle: " + strings.Join(path, " → "),
		Names:   path,
	}
}
