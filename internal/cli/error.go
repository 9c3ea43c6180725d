package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes returned by logcatd commands.
const (
	ExitOK       = 0
	ExitInternal = 1
	ExitUsage    = 2
	ExitNotFound = 3
	ExitNetwork  = 5
	ExitStream   = 6
)

// CLIError is a structured error carrying an exit code.
type CLIError struct {
	Code    int    `json:"exit_code"`
	Type    string `json:"error"`
	Message string `json:"message"`
	Recover bool   `json:"recoverable"`
	cause   error
}

func (e *CLIError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *CLIError) Unwrap() error { return e.cause }

// NewUsageError creates an error for invalid arguments or configuration.
func NewUsageError(msg string) *CLIError {
	return &CLIError{Code: ExitUsage, Type: "invalid_args", Message: msg}
}

// NewNotFoundError creates an error for missing files or commands.
func NewNotFoundError(msg string) *CLIError {
	return &CLIError{Code: ExitNotFound, Type: "not_found", Message: msg}
}

// NewNetworkError creates a recoverable error for unreachable sinks.
func NewNetworkError(msg string) *CLIError {
	return &CLIError{Code: ExitNetwork, Type: "network", Message: msg, Recover: true}
}

// NewInternalError creates an error for unexpected failures.
func NewInternalError(msg string) *CLIError {
	return &CLIError{Code: ExitInternal, Type: "internal", Message: msg}
}

// Wrap attaches err as the cause of a new CLIError with code and type.
// The message is msg followed by err.
func Wrap(code int, typ, msg string, err error) *CLIError {
	return &CLIError{Code: code, Type: typ, Message: fmt.Sprintf("%s: %v", msg, err), cause: err}
}

// StreamError reports that the logcat stream ended with a read failure.
func StreamError(err error) *CLIError {
	return Wrap(ExitStream, "stream", "logcat stream failed", err)
}

// ExitCode extracts the exit code from an error.
// Returns ExitInternal (1) for non-CLIError errors, ExitOK (0) for nil.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *CLIError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ExitInternal
}

// FormatError writes the error to w. In JSON mode, it writes structured JSON.
// In text mode, it writes "error: <message>".
func FormatError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}

	if jsonMode {
		var ce *CLIError
		if !errors.As(err, &ce) {
			ce = &CLIError{
				Code:    ExitInternal,
				Type:    "internal",
				Message: err.Error(),
			}
		}
		data, _ := json.Marshal(ce)
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	_, _ = fmt.Fprintf(w, "error: %v\n", err)
}
