// Package task defines the persisted unit of work tracked by the execution
// engine: one external program invocation plus a finite-state execution
// status.
package task

import (
	"fmt"
	"time"
)

// State is the canonical execution state of a task.
type State string

const (
	// StateNew: created, not yet submitted to a backend.
	StateNew State = "NEW"
	// StateSubmitted: accepted by a backend, waiting to run.
	StateSubmitted State = "SUBMITTED"
	// StateRunning: executing on a backend.
	StateRunning State = "RUNNING"
	// StateStopped: suspended by the backend; may resume.
	StateStopped State = "STOPPED"
	// StateTerminating: finished on the backend, output not yet fetched.
	StateTerminating State = "TERMINATING"
	// StateTerminated: finished and output fetched. Terminal.
	StateTerminated State = "TERMINATED"
	// StateUnknown: backend status was unintelligible; re-polled on the
	// next cycle.
	StateUnknown State = "UNKNOWN"
)

// States lists every canonical state in display order.
var States = []State{
	StateNew, StateSubmitted, StateRunning, StateStopped,
	StateTerminating, StateTerminated, StateUnknown,
}

// InFlight reports whether the state counts against the concurrency cap.
func (s State) InFlight() bool {
	return s == StateSubmitted || s == StateRunning
}

// Terminal reports whether the state admits no further backend progress.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// Pollable reports whether the backend should be asked for fresh status.
func (s State) Pollable() bool {
	switch s {
	case StateSubmitted, StateRunning, StateStopped, StateUnknown:
		return true
	default:
		return false
	}
}

// MapBatchStatus maps a backend-native status string to the canonical state.
// The table covers the common batch-queue vocabularies (bjobs, qstat);
// anything unrecognized maps to StateUnknown.
func MapBatchStatus(native string) State {
	switch native {
	case "PEND", "Q", "W":
		return StateSubmitted
	case "RUN", "R":
		return StateRunning
	case "DONE", "EXIT", "C", "E":
		return StateTerminating
	case "S", "H", "T", "qh":
		return StateStopped
	default:
		return StateUnknown
	}
}

// OutputWildcard in the Outputs map requests every file the job produced.
const OutputWildcard = "*"

// CommandSpec describes the external program a task runs and the resources
// it needs.
type CommandSpec struct {
	Executable   string        `json:"executable"`
	Args         []string      `json:"args,omitempty"`
	Cores        int           `json:"cores,omitempty"`
	MemoryMB     int           `json:"memory_mb,omitempty"`
	Walltime     time.Duration `json:"walltime,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
}

// Record is a persisted task. ID is assigned exactly once, at first save;
// Name is unique within a session and used to resume without resubmitting.
type Record struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	Command CommandSpec `json:"command"`
	// Inputs maps local paths to remote-relative paths staged before the
	// job starts. Outputs maps remote-relative paths to local paths
	// fetched after it finishes; OutputWildcard fetches everything.
	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`

	State State `json:"state"`
	// BackendJobID is set if and only if State != NEW.
	BackendJobID string `json:"backend_job_id,omitempty"`
	// ExitCode is nil until the job has terminated.
	ExitCode *int `json:"exit_code,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a NEW record with the given unique name.
func New(name string, cmd CommandSpec) *Record {
	now := time.Now().UTC()
	return &Record{
		Name:      name,
		Command:   cmd,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Failed reports whether the task terminated unsuccessfully.
func (r *Record) Failed() bool {
	return r.State == StateTerminated && r.ExitCode != nil && *r.ExitCode != 0
}

// SetState moves the record to s and stamps the update time.
func (r *Record) SetState(s State) {
	r.State = s
	r.UpdatedAt = time.Now().UTC()
}

// MarkSubmitted records a successful submission.
func (r *Record) MarkSubmitted(backendJobID string) {
	r.BackendJobID = backendJobID
	r.SetState(StateSubmitted)
}

// Resubmit resets a terminal task to NEW for another attempt. It enforces
// the retry bound and clears the backend identity; this is the only
// permitted backward state transition.
func (r *Record) Resubmit() error {
	if !r.State.Terminal() && r.State != StateStopped {
		return fmt.Errorf("task %s: cannot resubmit from state %s", r.Name, r.State)
	}
	if r.RetryCount >= r.MaxRetries {
		return fmt.Errorf("task %s: retry limit %d reached", r.Name, r.MaxRetries)
	}
	r.RetryCount++
	r.BackendJobID = ""
	r.ExitCode = nil
	r.SetState(StateNew)
	return nil
}
