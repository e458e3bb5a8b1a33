package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/beetle/internal/compiler"
	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/graph"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Tables int                        `json:"tables"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <transformations-dir>",
		Short: "Validate transformations without touching a database",
		Long: `Validate the CUE package declaring the imported tables.

Performs syntax checking, schema validation, reference and natural key
checks, and builds the step graph to reject dependency cycles. Nothing is
read from or written to a database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	defs, err := compiler.LoadDir(dir)
	if err != nil {
		code, message := loadErrorDetails(err)
		return outputValidateError(formatter, code, message, nil)
	}
	formatter.VerboseLog("Loaded %d table(s) from %s", len(defs.Transformations), dir)

	errs := ValidateDefinitions(defs)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, len(defs.Transformations), errs)
	}
	return outputValidateSuccess(formatter, len(defs.Transformations))
}

// ValidateDefinitions runs the definition checks and, when they pass, builds
// the step graph. Returns all errors found.
func ValidateDefinitions(defs *compiler.Definitions) []compiler.ValidationError {
	errs := compiler.Validate(defs)
	if len(errs) > 0 {
		return errs
	}
	if _, err := engine.Plan(defs.Transformations, defs.Unique, true); err != nil {
		return []compiler.ValidationError{planValidationError(err)}
	}
	return nil
}

// planValidationError converts a step graph or engine configuration error.
func planValidationError(err error) compiler.ValidationError {
	var graphErr *graph.ConfigError
	if errors.As(err, &graphErr) {
		return compiler.ValidationError{Field: "steps", Message: graphErr.Message, Code: string(graphErr.Code)}
	}
	var cfgErr *engine.ConfigError
	if errors.As(err, &cfgErr) {
		msg := cfgErr.Message
		if cfgErr.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, cfgErr.Err)
		}
		return compiler.ValidationError{Field: "tables", Message: msg, Code: string(cfgErr.Code)}
	}
	return compiler.ValidationError{Field: "tables", Message: err.Error(), Code: compiler.ErrCodeGeneric}
}

// loadErrorDetails returns the code and message of a definitions load error.
func loadErrorDetails(err error) (code, message string) {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		if loadErr.Pos.IsValid() {
			return loadErr.Code, fmt.Sprintf("%s:%d:%d: %s", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column(), loadErr.Message)
		}
		return loadErr.Code, loadErr.Message
	}
	return compiler.ErrCodeGeneric, err.Error()
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, tables int) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Tables: tables})
	}

	fmt.Fprintf(formatter.Writer, "✓ All transformations valid (%d tables)\n", tables)
	return nil
}

// outputValidateError outputs a single load error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, tables int, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Tables: tables, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
