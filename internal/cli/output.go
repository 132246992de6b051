package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/roach88/worldsim/internal/config"
	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Pass rate met the threshold, or the command succeeded
	ExitFailure      = 1 // Pass rate below threshold, suite validation failure, interrupted run
	ExitCommandError = 2 // Configuration error (bad suite, bad flags, database not found)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeNotFound     = "E002" // File, report or run not found
	ErrCodeConfig       = "E003" // Invalid configuration
	ErrCodeSuite        = "E004" // Suite file failed to load or compile
	ErrCodeScenarios    = "E005" // Scenario generation failed
	ErrCodeStore        = "E006" // Report store error
	ErrCodeThreshold    = "E007" // Pass rate below threshold
	ErrCodeInterrupted  = "E008" // Run interrupted before completion
	ErrCodeInvalidSeed  = "E009" // Seed effects rejected by the world store
	ErrCodeWriteFailed  = "E010" // File write error
	ErrCodeDashboard    = "E011" // Dashboard failed to start
	ErrCodeInvalidInput = "E012" // Bad command arguments
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitCommandError (2) if the error is not an ExitError: those come
// from argument and flag parsing.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// classify maps an error from the core packages to a CLI error code and
// exit code.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, report.ErrBelowThreshold):
		return ErrCodeThreshold, ExitFailure
	case errors.Is(err, sim.ErrSchedulerAborted):
		return ErrCodeInterrupted, ExitFailure
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ErrCodeNotFound, ExitCommandError
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, sim.ErrInvalidDefinition),
		errors.Is(err, sim.ErrNoRuns),
		errors.Is(err, report.ErrNoRuns):
		return ErrCodeConfig, ExitCommandError
	case errors.Is(err, scenario.ErrInvalidCount),
		errors.Is(err, scenario.ErrInsufficientVariety),
		errors.Is(err, scenario.ErrDigestMismatch):
		return ErrCodeScenarios, ExitCommandError
	}
	return ErrCodeGeneric, ExitCommandError
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err through the formatter and returns the matching ExitError.
// The error code and exit code are derived from err's sentinel.
func (f *OutputFormatter) Fail(message string, err error, details any) error {
	code, exit := classify(err)
	_ = f.Error(code, fmt.Sprintf("%s: %v", message, err), details)
	return WrapExitError(exit, message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
