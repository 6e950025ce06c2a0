package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jimsync/jim/pkg/engine"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a pass finished with rejected records or failed exports
	ExitCommandError = 2 // bad flags, unreadable config or definitions
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// ExitCode returns the exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope written with --format json.
type Response struct {
	Status string         `json:"status"`
	Data   interface{}    `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command.
type ResponseError struct {
	Code    string                 `json:"code"`
	Class   string                 `json:"class,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// Success writes data. Text output uses render when given.
func (f *OutputFormatter) Success(data interface{}, render func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if render != nil {
		render(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Fail writes err and returns it wrapped with the exit code.
func (f *OutputFormatter) Fail(code int, message string, err error) error {
	resp := &ResponseError{Code: "INTERNAL", Message: message}
	if err != nil {
		resp.Message = fmt.Sprintf("%s: %v", message, err)
	}
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Code != "" {
			resp.Code = engineErr.Code
		}
		resp.Class = string(engineErr.Class)
		resp.Details = engineErr.Details
	}

	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: resp})
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", resp.Code, resp.Message)
		if f.Verbose && len(resp.Details) > 0 {
			fmt.Fprintf(f.Writer, "Details: %v\n", resp.Details)
		}
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

func writeSummary(w io.Writer, s engine.ActivitySummary) {
	fmt.Fprintf(w, "%s %s: processed=%d created=%d updated=%d unchanged=%d obsoleted=%d rejected=%d (%s)\n",
		s.Operation, s.SystemID, s.Processed, s.Created, s.Updated, s.Unchanged, s.Obsoleted, s.Rejected,
		s.Duration.Round(1e6))
	if s.Joins+s.Projections+s.Provisions > 0 {
		fmt.Fprintf(w, "  joins=%d projections=%d provisions=%d\n", s.Joins, s.Projections, s.Provisions)
	}
	if s.ExportsStaged+s.DriftCorrections > 0 {
		fmt.Fprintf(w, "  exports staged=%d drift corrections=%d\n", s.ExportsStaged, s.DriftCorrections)
	}
	if s.ExportsSucceeded+s.ExportsFailed+s.ExportsDeferred+s.ExportsConfirmed > 0 {
		fmt.Fprintf(w, "  exports succeeded=%d failed=%d deferred=%d confirmed=%d\n",
			s.ExportsSucceeded, s.ExportsFailed, s.ExportsDeferred, s.ExportsConfirmed)
	}
	for t, n := range s.ImportErrors {
		fmt.Fprintf(w, "  %s: %d\n", t, n)
	}
}
