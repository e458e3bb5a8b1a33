package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/roach88/beetle/internal/compiler"
	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/graph"
	"github.com/roach88/beetle/internal/steps"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Import, validation or scenario failure
	ExitCommandError = 2 // Command error (invalid paths, bad config, unknown external source, etc.)
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode returns the machine-readable code of err: a definitions load
// code (E0xx), an engine or step graph configuration code, or a staged data
// code. Anything else is E001.
func ErrorCode(err error) string {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code
	}
	var cfgErr *engine.ConfigError
	if errors.As(err, &cfgErr) {
		return string(cfgErr.Code)
	}
	var graphErr *graph.ConfigError
	if errors.As(err, &graphErr) {
		return string(graphErr.Code)
	}
	var dataErr *steps.DataError
	if errors.As(err, &dataErr) {
		return string(dataErr.Code)
	}
	return compiler.ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for logs and verbose output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`           // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`   // success payload
	Error  *CLIError   `json:"error,omitempty"`  // error details
	RunID  string      `json:"run_id,omitempty"` // import run the response describes
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`              // "E005", "CYCLE", "DUPLICATE_EXTERNAL_ID", etc.
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// Success outputs a successful result. Text output prints data as is;
// commands with structured results write their own text.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// ErrorFrom outputs err under its ErrorCode.
func (f *OutputFormatter) ErrorFrom(err error) error {
	return f.Error(ErrorCode(err), err.Error(), nil)
}

// Table writes rows under a header as aligned text columns.
func (f *OutputFormatter) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Verbose logs go to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

// Logger returns a text logger on ErrWriter, at debug level when verbose.
func (f *OutputFormatter) Logger() *slog.Logger {
	level := slog.LevelInfo
	if f.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(f.errWriter(), &slog.HandlerOptions{Level: level}))
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
