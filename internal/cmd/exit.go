package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// exitCodeFailure is returned when an operation ran but did not succeed
// (a failed pipeline, a rejected finalization).
const exitCodeFailure = 1

// commandError carries the process exit code for a failed command.
type commandError struct {
	code    int
	message string
	err     error
}

func (e *commandError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *commandError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &commandError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitCodeFailure
}

// storeExitCode picks the exit code for a failed store operation.
func storeExitCode(err error) int {
	switch {
	case faults.IsNotFound(err), errors.Is(err, faults.ErrInvalidRequest):
		return foundry.ExitInvalidArgument
	case faults.IsPersistence(err):
		return foundry.ExitExternalServiceUnavailable
	case faults.IsIOFailure(err):
		return foundry.ExitFileReadError
	default:
		return exitCodeFailure
	}
}
