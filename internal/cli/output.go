package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command did what it was asked
	ExitFailure      = 1 // storage, sync or scenario failure
	ExitCommandError = 2 // bad flags or config, missing database or document
)

// Error codes carried in the JSON error payload.
const (
	CodeConfig      = "E_CONFIG"
	CodeDBNotFound  = "E_DB_NOT_FOUND"
	CodeDocNotFound = "E_DOC_NOT_FOUND"
	CodeStorage     = "E_STORAGE"
	CodeDecode      = "E_DECODE"
	CodeSync        = "E_SYNC"
	CodeServer      = "E_SERVER"
	CodeScenarios   = "E_SCENARIOS"
	CodeTestFailed  = "E_TEST_FAILED"
)

// DocRef is the error detail naming the document a command was given.
type DocRef struct {
	DocID string `json:"doc_id"`
}

// DatabaseRef is the error detail naming a SQLite database path.
type DatabaseRef struct {
	Path string `json:"path"`
}

// ExitError is a command failure with its process exit code and the error
// code reported to JSON consumers.
type ExitError struct {
	Code    int         // ExitFailure or ExitCommandError
	Kind    string      // one of the E_* codes
	Message string      // human-readable summary
	Details interface{} // DocRef, DatabaseRef or nil
	Err     error       // underlying error, if any

	// reported marks errors the command already wrote to its output.
	reported bool
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

// NewExitError creates an ExitError without an underlying cause.
func NewExitError(code int, kind, message string) *ExitError {
	return &ExitError{Code: code, Kind: kind, Message: message}
}

// WrapExitError wraps err with an exit code and error code.
func WrapExitError(code int, kind, message string, err error) *ExitError {
	return &ExitError{Code: code, Kind: kind, Message: message, Err: err}
}

func docNotFound(docID string) *ExitError {
	return &ExitError{
		Code:    ExitCommandError,
		Kind:    CodeDocNotFound,
		Message: fmt.Sprintf("document not found: %s", docID),
		Details: DocRef{DocID: docID},
	}
}

func databaseNotFound(path string) *ExitError {
	return &ExitError{
		Code:    ExitCommandError,
		Kind:    CodeDBNotFound,
		Message: fmt.Sprintf("database not found: %s", path),
		Details: DatabaseRef{Path: path},
	}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose and error text; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Report outputs data as the JSON payload, or text in text mode. Commands
// whose text rendering differs from the JSON shape use it instead of Success.
func (f *OutputFormatter) Report(text string, data interface{}) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	return f.Success(text)
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
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

	w := f.errWriter()
	fmt.Fprintf(w, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(w, "Details: %+v\n", details)
	}
	return nil
}

// Fail reports a command's returned error. ExitErrors keep their code and
// details; anything else is reported as a config error, which is what cobra
// returns for bad flags and arguments. Errors the command already printed
// are skipped.
func (f *OutputFormatter) Fail(err error) error {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return f.Error(CodeConfig, err.Error(), nil)
	}
	if exitErr.reported {
		return nil
	}
	return f.Error(exitErr.Kind, exitErr.Error(), exitErr.Details)
}

// VerboseLog outputs a message only if verbose mode is enabled. It writes to
// ErrWriter so JSON output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
