package steps

import (
	"errors"
	"fmt"
	"strings"
)

// DataErrorCode categorizes problems found in staged data.
type DataErrorCode string

const (
	// ErrCodeMissingExternalID indicates staged rows without an external_id.
	ErrCodeMissingExternalID DataErrorCode = "MISSING_EXTERNAL_ID"

	// ErrCodeDuplicateExternalID indicates the same external_id staged twice.
	ErrCodeDuplicateExternalID DataErrorCode = "DUPLICATE_EXTERNAL_ID"

	// ErrCodeUnclassifiedRow indicates a staged row no transition matched.
	ErrCodeUnclassifiedRow DataErrorCode = "UNCLASSIFIED_ROW"

	// ErrCodeAmbiguousClaim indicates a staged row whose natural key matches
	// more than one target row.
	ErrCodeAmbiguousClaim DataErrorCode = "AMBIGUOUS_CLAIM"

	// ErrCodeContestedTarget indicates a target row claimed by more than one
	// staged row.
	ErrCodeContestedTarget DataErrorCode = "CONTESTED_TARGET"

	// ErrCodeUnassignedID indicates a classified row that received no id.
	ErrCodeUnassignedID DataErrorCode = "UNASSIGNED_ID"
)

// DataError reports staged data that cannot be reconciled.
// Data errors are never defaulted: the step fails and the run aborts.
type DataError struct {
	Code  DataErrorCode
	Table string

	// Message is a human-readable description.
	Message string

	// Keys lists a sample of offending external ids or target ids.
	Keys []string
}

// Error implements the error interface.
func (e *DataError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Code, e.Table, e.Message, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Table, e.Message)
}

// IsDataError returns true if err is or wraps a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// StageErrorCode categorizes stage preparation problems.
type StageErrorCode string

const (
	// ErrCodeNoColumns indicates a transformation with neither columns nor
	// references.
	ErrCodeNoColumns StageErrorCode = "NO_COLUMNS"

	// ErrCodeUnknownColumn indicates a declared column missing from the
	// target table.
	ErrCodeUnknownColumn StageErrorCode = "UNKNOWN_COLUMN"

	// ErrCodeReservedColumn indicates a declared column that collides with a
	// stage bookkeeping column.
	ErrCodeReservedColumn StageErrorCode = "RESERVED_COLUMN"

	// ErrCodeMissingTarget indicates the target table does not exist.
	ErrCodeMissingTarget StageErrorCode = "MISSING_TARGET"
)

// StageError reports a transformation that cannot be staged against the
// target schema.
type StageError struct {
	Code    StageErrorCode
	Table   string
	Column  string
	Message string
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s: %s.%s: %s", e.Code, e.Table, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Table, e.Message)
}

// IsStageError returns true if err is or wraps a StageError.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}
