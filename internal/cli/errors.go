// Package cli provides shared configuration and utilities for the pgm CLI.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/pthm/pgm"
)

// Exit codes.
const (
	ExitSuccess   = 0
	ExitGeneral   = 1
	ExitConfig    = 2
	ExitParse     = 3
	ExitDBConnect = 4
	ExitLockHeld  = 5
	ExitExecution = 6
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Classify maps an error to its exit code using the pgm error classes.
// An error that is already an *ExitError keeps its code.
func Classify(err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	code := ExitGeneral
	switch {
	case pgm.IsConfigErr(err):
		code = ExitConfig
	case pgm.IsParseErr(err), pgm.IsDriftErr(err):
		code = ExitParse
	case pgm.IsConnectionErr(err):
		code = ExitDBConnect
	case pgm.IsLockHeldErr(err):
		code = ExitLockHeld
	case pgm.IsExecutionErr(err):
		code = ExitExecution
	}
	return &ExitError{Code: code, Err: err}
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	exitErr := Classify(err)
	fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
	os.Exit(exitErr.Code)
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}
