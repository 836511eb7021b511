// Package jobstatus defines pipeline job lifecycle states and the read-only
// registry that maps persisted status codes to display names.
package jobstatus

import "fmt"

// Status is the lifecycle state of a pipeline job.
//
// NOTE: These integer values are persisted in the jobs table and in the
// job_status reference table. They are a stable contract.
type Status int

const (
	Waiting    Status = 1
	InProgress Status = 2
	Completed  Status = 3
	Finalizing Status = 4
	Finalized  Status = 5
	Failed     Status = 6
)

// Defaults lists the built-in code to name mapping used to seed the
// reference table.
var Defaults = map[Status]string{
	Waiting:    "Waiting",
	InProgress: "InProgress",
	Completed:  "Completed",
	Finalizing: "Finalizing",
	Finalized:  "Finalized",
	Failed:     "Failed",
}

// transitions is the legal edge set of the job state machine.
var transitions = map[Status][]Status{
	Waiting:    {InProgress, Failed},
	InProgress: {Completed, Failed},
	Completed:  {Finalizing},
	Finalizing: {Finalized, Completed},
	Finalized:  {Completed},
}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	_, ok := Defaults[s]
	return ok
}

// String returns the built-in name for s.
func (s Status) String() string {
	if name, ok := Defaults[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Parse resolves a status from its built-in name (case-sensitive).
func Parse(name string) (Status, error) {
	for code, n := range Defaults {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", name)
}
