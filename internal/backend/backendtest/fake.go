// Package backendtest provides a scripted in-memory backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/copyleftdev/gridsweep/internal/backend"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// Fake is a backend whose per-task status progression is scripted with
// backend-native status strings. It records every call so tests can assert
// ordering and counts.
type Fake struct {
	mu sync.Mutex

	scripts map[string][]string
	pos     map[string]int

	// SubmitErr, when set, is returned by every Submit call.
	SubmitErr error
	// PollErr, when set, is returned by every PollStatus call.
	PollErr error
	// ExitCodes maps task name to the exit code reported on termination;
	// missing entries report 0.
	ExitCodes map[string]int
	// FetchFunc, when set, is invoked by FetchOutput to materialize
	// output files.
	FetchFunc func(rec *task.Record, destDir string) error

	// Submitted lists task names in submission order.
	Submitted []string
	// Fetches counts FetchOutput calls per task name.
	Fetches map[string]int
	// Cancelled and Freed list task names in call order.
	Cancelled []string
	Freed     []string

	jobSeq int
}

var _ backend.Backend = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		scripts:   make(map[string][]string),
		pos:       make(map[string]int),
		ExitCodes: make(map[string]int),
		Fetches:   make(map[string]int),
	}
}

// Script sets the sequence of native statuses successive polls of the named
// task will report. The last status repeats once the script is exhausted.
func (f *Fake) Script(taskName string, statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskName] = statuses
	f.pos[taskName] = 0
}

func (f *Fake) Submit(_ context.Context, rec *task.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.jobSeq++
	f.Submitted = append(f.Submitted, rec.Name)
	return fmt.Sprintf("job-%d", f.jobSeq), nil
}

func (f *Fake) PollStatus(_ context.Context, rec *task.Record) (task.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PollErr != nil {
		return task.StateUnknown, f.PollErr
	}
	script, ok := f.scripts[rec.Name]
	if !ok || len(script) == 0 {
		return task.StateUnknown, nil
	}
	i := f.pos[rec.Name]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		f.pos[rec.Name] = i + 1
	}
	state := task.MapBatchStatus(script[i])
	if state == task.StateTerminating {
		code := f.ExitCodes[rec.Name]
		rec.ExitCode = &code
	}
	return state, nil
}

func (f *Fake) FetchOutput(_ context.Context, rec *task.Record, destDir string) error {
	f.mu.Lock()
	f.Fetches[rec.Name]++
	fn := f.FetchFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(rec, destDir)
	}
	return nil
}

func (f *Fake) Cancel(_ context.Context, rec *task.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, rec.Name)
	return nil
}

func (f *Fake) Free(_ context.Context, rec *task.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Freed = append(f.Freed, rec.Name)
	return nil
}
