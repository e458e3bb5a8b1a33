package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/steps"
)

// Validation error codes (E100-E199)
const (
	ErrNoColumns          = "E101" // no columns and no references
	ErrDuplicateColumn    = "E102" // column declared twice
	ErrReservedColumn     = "E103" // column name used for bookkeeping
	ErrInvalidIdentifier  = "E104" // table, column or reference name is not a plain identifier
	ErrUnknownReference   = "E105" // reference to a table with no transformation
	ErrMissingPlaceholder = "E106" // query never mentions the stage table
	ErrInvalidUnique      = "E107" // natural key does not match the transformations
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks compiled definitions against the rules the engine relies
// on. Returns all errors found (does not fail-fast).
func Validate(defs *Definitions) []ValidationError {
	var errs []ValidationError

	declared := make(map[string]bool, len(defs.Transformations))
	for _, t := range defs.Transformations {
		declared[t.TableName] = true
	}

	for _, t := range defs.Transformations {
		field := "tables." + t.TableName
		if !identifierPattern.MatchString(t.TableName) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("table name %q is not a plain identifier", t.TableName),
				Code:    ErrInvalidIdentifier,
			})
		}

		if len(t.Columns) == 0 && len(t.References) == 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "at least one column or reference is required",
				Code:    ErrNoColumns,
			})
		}

		seen := make(map[string]bool, len(t.Columns))
		for i, col := range t.Columns {
			colField := fmt.Sprintf("%s.columns[%d]", field, i)
			if seen[col] {
				errs = append(errs, ValidationError{
					Field:   colField,
					Message: fmt.Sprintf("duplicate column %q", col),
					Code:    ErrDuplicateColumn,
				})
			}
			seen[col] = true

			if steps.IsReservedColumn(col) {
				errs = append(errs, ValidationError{
					Field:   colField,
					Message: fmt.Sprintf("column %q is reserved for bookkeeping", col),
					Code:    ErrReservedColumn,
				})
			} else if !identifierPattern.MatchString(col) {
				errs = append(errs, ValidationError{
					Field:   colField,
					Message: fmt.Sprintf("column %q is not a plain identifier", col),
					Code:    ErrInvalidIdentifier,
				})
			}
		}

		for _, fk := range t.ForeignKeys() {
			ref := t.References[fk]
			refField := field + ".references." + fk
			if !identifierPattern.MatchString(fk) {
				errs = append(errs, ValidationError{
					Field:   refField,
					Message: fmt.Sprintf("reference column %q is not a plain identifier", fk),
					Code:    ErrInvalidIdentifier,
				})
			}
			if !declared[ref] {
				errs = append(errs, ValidationError{
					Field:   refField,
					Message: fmt.Sprintf("references %q, which has no transformation", ref),
					Code:    ErrUnknownReference,
				})
			}
		}

		if t.Query != "" && !strings.Contains(t.Query, querysql.StageTablePlaceholder) {
			errs = append(errs, ValidationError{
				Field:   field + ".query",
				Message: fmt.Sprintf("query does not mention %s", querysql.StageTablePlaceholder),
				Code:    ErrMissingPlaceholder,
			})
		}
	}

	if err := defs.Unique.Validate(defs.Transformations); err != nil {
		errs = append(errs, ValidationError{
			Field:   "unique",
			Message: err.Error(),
			Code:    ErrInvalidUnique,
		})
	}

	return errs
}
