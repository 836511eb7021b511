// Package faults defines the error taxonomy shared by the finalization,
// unfinalization and export pipelines.
//
// Every failure surfaced by those pipelines is one of:
//
//   - IOFailure: a pipeline output, export or report file could not be read or written.
//   - PersistenceError: a database operation failed.
//   - AllocationRaceError: two allocations claimed the same column index.
//
// Subjects missing from the clinical metadata are not errors; they are
// reported alongside a successful outcome.
package faults

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict indicates a conditional status update found a
	// different current status than expected.
	ErrStatusConflict = errors.New("job status conflict")

	// ErrIllegalTransition indicates a requested status change is not an
	// edge of the job state machine.
	ErrIllegalTransition = errors.New("illegal job status transition")

	// ErrNotLocked indicates a column allocation was attempted outside a
	// transaction holding the annotation version lock.
	ErrNotLocked = errors.New("annotation version is not locked by this transaction")

	// ErrInvalidRequest indicates the caller supplied an unusable request.
	ErrInvalidRequest = errors.New("invalid request")
)

// IOFailure wraps a file read or write failure.
type IOFailure struct {
	// Op is the operation that failed (e.g., "open", "read", "write").
	Op string

	// Path is the file involved.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *IOFailure) Error() string {
	return fmt.Sprintf("io %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOFailure) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a database failure.
type PersistenceError struct {
	// Op names the store operation (e.g., "insert job").
	Op string

	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// AllocationRaceError reports a duplicate column index assignment.
type AllocationRaceError struct {
	AnnotVersion string
	Index        int
	Err          error
}

// Error implements the error interface.
func (e *AllocationRaceError) Error() string {
	return fmt.Sprintf("array_index %d already allocated for annotation version %s: %v", e.Index, e.AnnotVersion, e.Err)
}

// Unwrap returns the underlying error.
func (e *AllocationRaceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError unless it already carries a
// more specific classification.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	var race *AllocationRaceError
	if errors.As(err, &pe) || errors.As(err, &race) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsIOFailure returns true if err is or wraps an IOFailure.
func IsIOFailure(err error) bool {
	var target *IOFailure
	return errors.As(err, &target)
}

// IsPersistence returns true if err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// IsAllocationRace returns true if err is or wraps an AllocationRaceError.
func IsAllocationRace(err error) bool {
	var target *AllocationRaceError
	return errors.As(err, &target)
}

// IsNotFound returns true if err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStatusConflict returns true if err wraps ErrStatusConflict.
func IsStatusConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict)
}

// Code maps err onto a short, stable code for notifications and logs.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAllocationRace(err):
		return "ALLOCATION_RACE"
	case IsIOFailure(err):
		return "IO_FAILURE"
	case IsStatusConflict(err):
		return "STATUS_CONFLICT"
	case errors.Is(err, ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case IsNotFound(err):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case IsPersistence(err):
		return "PERSISTENCE_ERROR"
	default:
		return "INTERNAL"
	}
}
