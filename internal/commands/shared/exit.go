// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/sdk"
)

// Exit codes for maestro commands
const (
	ExitSuccess           = 0
	ExitExecutionFailed   = 1
	ExitInvalidWorkflow   = 2
	ExitMissingInput      = 3
	ExitDaemonUnavailable = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for run execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitExecutionFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidWorkflowError creates an error for definitions the daemon
// would refuse to admit
func NewInvalidWorkflowError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidWorkflow,
		Message: msg,
		Cause:   cause,
	}
}

// NewMissingInputError creates an error for missing or malformed
// workflow inputs
func NewMissingInputError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitMissingInput,
		Message: msg,
		Cause:   cause,
	}
}

// NewDaemonError creates an error for an unreachable or failing daemon
func NewDaemonError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitDaemonUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// WrapDaemonError classifies an sdk call failure. Connection refusals
// get the start-the-daemon hint; everything else keeps its message and
// maps to the given fallback code.
func WrapDaemonError(err error, fallbackCode int) *ExitError {
	if sdk.IsConnectionRefused(err) {
		return &ExitError{
			Code:    ExitDaemonUnavailable,
			Message: "cannot reach maestrod (is it running? start it with 'maestrod')",
			Cause:   err,
		}
	}
	return &ExitError{Code: fallbackCode, Cause: err}
}

// HandleExitError checks if an error is an ExitError and exits with the
// appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		msg := exitErr.Error()
		if len(msg) > 0 {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}

		printSuggestion(err)

		os.Exit(exitErr.Code)
	}

	// Default to execution failed
	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	printSuggestion(err)

	os.Exit(ExitExecutionFailed)
}

// printSuggestion surfaces actionable guidance attached to the error
// chain: the daemon's own suggestion on API errors, or anything
// implementing UserVisibleError.
func printSuggestion(err error) {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) && apiErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", apiErr.Suggestion)
		return
	}

	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}

		err = errors.Unwrap(err)
	}
}
