package kioskcli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"xpos/internal/apierror"

	"gopkg.in/yaml.v3"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed (server rejected, printer error)
	ExitCommandError = 2 // bad flags, missing config, unregistered device
	ExitOffline      = 3 // server or printer unreachable; retry later
)

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

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to the process exit status. Typed errors pick their
// code by kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch apierror.KindOf(err) {
	case apierror.KindConnectivity:
		return ExitOffline
	case apierror.KindConfiguration, apierror.KindUnauthorized:
		return ExitCommandError
	}
	return ExitFailure
}

// Output renders command results in the chosen format. text renderers get
// the raw writer; json and yaml marshal the value as is.
type Output struct {
	Format string
	Writer io.Writer
}

func (o *Output) Print(v any, text func(w io.Writer)) error {
	switch o.Format {
	case "json":
		enc := json.NewEncoder(o.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(o.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	if text == nil {
		_, err := fmt.Fprintln(o.Writer, v)
		return err
	}
	text(o.Writer)
	return nil
}
