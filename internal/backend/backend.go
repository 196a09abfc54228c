// Package backend defines the capability contract the execution engine uses
// to advance a task on an execution resource, and the error classification
// the engine's retry policy relies on.
package backend

import (
	"context"

	"github.com/copyleftdev/gridsweep/internal/errors"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// Backend is the narrow interface a concrete execution resource (local
// process pool, batch scheduler, cloud instance) must implement. The engine
// consumes only this interface.
type Backend interface {
	// Submit hands the task to the backend and returns the backend job
	// identifier. A transient error (exhausted capacity, unreachable
	// resource) leaves the task NEW for a later cycle; a fatal error is
	// surfaced to the caller.
	Submit(ctx context.Context, rec *task.Record) (string, error)

	// PollStatus returns the task's canonical state as reported by the
	// backend. Connectivity failures are transient: the engine keeps the
	// previous state and re-polls next cycle.
	PollStatus(ctx context.Context, rec *task.Record) (task.State, error)

	// FetchOutput retrieves the task's output files into destDir.
	FetchOutput(ctx context.Context, rec *task.Record, destDir string) error

	// Cancel aborts the task on the backend.
	Cancel(ctx context.Context, rec *task.Record) error

	// Free releases backend-side resources held for the task (work
	// directories, idle cloud instances).
	Free(ctx context.Context, rec *task.Record) error
}

// ErrNoCapacity signals that the backend has no free execution slot.
// It is transient: the engine retries submission on a later cycle, and a
// provisioning backend may react by starting another instance.
var ErrNoCapacity = errors.New(errors.Transient, "no free capacity")

// SubmitError wraps a submission failure with its classification.
// Returns nil if err is nil.
func SubmitError(err error, kind errors.Kind, backendName string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, kind, "submit failed").
		WithOp("submit").WithComponent(backendName)
}

// ConnectivityError wraps a transient poll/fetch failure.
// Returns nil if err is nil.
func ConnectivityError(err error, backendName string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.Transient, "backend unreachable").
		WithComponent(backendName)
}
