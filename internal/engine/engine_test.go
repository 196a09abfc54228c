package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/gridsweep/internal/backend"
	"github.com/copyleftdev/gridsweep/internal/backend/backendtest"
	"github.com/copyleftdev/gridsweep/internal/errors"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

func newTestEngine(t *testing.T, fake *backendtest.Fake, maxInFlight int) (*Engine, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir()+"/tasks.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := New(Options{
		Backend:         fake,
		Store:           st,
		MaxInFlight:     maxInFlight,
		PollParallelism: 4,
		OutputDir:       t.TempDir(),
	})
	require.NoError(t, err)
	return eng, st
}

func addTask(t *testing.T, eng *Engine, name string, cb TerminationCallback) *task.Record {
	t.Helper()
	rec, err := eng.Add(context.Background(), task.New(name, task.CommandSpec{Executable: "x"}), cb)
	require.NoError(t, err)
	return rec
}

func TestNewValidatesOptions(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir()+"/tasks.db", nil)
	require.NoError(t, err)
	defer st.Close()

	_, err = New(Options{Store: st})
	require.Error(t, err)
	_, err = New(Options{Backend: backendtest.New()})
	require.Error(t, err)
}

// The concurrency cap is strict: with 5 NEW tasks and a cap of 2, exactly 2
// are submitted; capacity freed by terminations is reused.
func TestMaxInFlightEnforced(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("job-%d", i)
		addTask(t, eng, name, nil)
		fake.Script(name, "RUN", "DONE")
	}

	require.NoError(t, eng.Progress(ctx))
	stats := eng.Stats()
	assert.Equal(t, 2, stats.Count(task.StateSubmitted))
	assert.Equal(t, 3, stats.Count(task.StateNew))
	assert.Equal(t, []string{"job-0", "job-1"}, fake.Submitted)

	// Cycle 2: the two in-flight tasks poll RUN; still no room.
	require.NoError(t, eng.Progress(ctx))
	stats = eng.Stats()
	assert.Equal(t, 2, stats.InFlight())
	assert.Equal(t, 3, stats.Count(task.StateNew))

	// Cycle 3: both poll DONE, get collected, and the freed slots are used
	// within the same cycle.
	require.NoError(t, eng.Progress(ctx))
	stats = eng.Stats()
	assert.Equal(t, 2, stats.Count(task.StateTerminated))
	assert.Equal(t, 2, stats.Count(task.StateSubmitted))
	assert.Equal(t, 1, stats.Count(task.StateNew))
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3"}, fake.Submitted)
}

// Submission follows discovery order, first in first out.
func TestSubmissionOrderFIFO(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		addTask(t, eng, n, nil)
	}
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, names, fake.Submitted)
}

// A task walks NEW -> SUBMITTED -> RUNNING -> TERMINATING -> TERMINATED as
// the backend reports PEND, RUN, DONE, with exactly one output fetch.
func TestTaskLifecycle(t *testing.T) {
	fake := backendtest.New()
	eng, st := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "life", nil)
	fake.Script("life", "PEND", "RUN", "DONE")

	require.NoError(t, eng.Progress(ctx)) // submit
	assert.Equal(t, task.StateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BackendJobID)

	require.NoError(t, eng.Progress(ctx)) // poll PEND: still submitted
	assert.Equal(t, task.StateSubmitted, rec.State)

	require.NoError(t, eng.Progress(ctx)) // poll RUN
	assert.Equal(t, task.StateRunning, rec.State)

	require.NoError(t, eng.Progress(ctx)) // poll DONE, fetch, terminate
	assert.Equal(t, task.StateTerminated, rec.State)
	assert.Equal(t, 1, fake.Fetches["life"])
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)

	// Terminal tasks are not polled or fetched again.
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, 1, fake.Fetches["life"])
	assert.True(t, eng.Done())

	// Every transition was written through.
	stored, err := st.GetByName(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, task.StateTerminated, stored.State)
}

func TestFailedTaskExitCode(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "boom", nil)
	fake.Script("boom", "DONE")
	fake.ExitCodes["boom"] = 3

	require.NoError(t, eng.Progress(ctx)) // submit
	require.NoError(t, eng.Progress(ctx)) // poll DONE, collect

	assert.True(t, rec.Failed())
	stats := eng.Stats()
	assert.Equal(t, 1, stats.Failed())
	assert.Equal(t, ExitFailed, stats.ExitCode(false))
}

// A transient submission error defers the whole submission pass; the task
// stays NEW and is retried first on the next cycle.
func TestTransientSubmitErrorDefers(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "later", nil)
	fake.SubmitErr = backend.ErrNoCapacity

	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, task.StateNew, rec.State)
	assert.Empty(t, fake.Submitted)

	fake.SubmitErr = nil
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, task.StateSubmitted, rec.State)
	assert.Equal(t, []string{"later"}, fake.Submitted)
}

// A fatal submission error surfaces from Progress and leaves the task NEW,
// out of the queue, while later tasks still submit.
func TestFatalSubmitErrorSurfaces(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "bad", nil)
	fake.SubmitErr = errors.New(errors.Fatal, "executable not found")

	err := eng.Progress(ctx)
	require.Error(t, err)
	assert.Equal(t, task.StateNew, rec.State)

	// The task is not retried automatically.
	fake.SubmitErr = nil
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, task.StateNew, rec.State)
	assert.Empty(t, fake.Submitted)
}

// A transient poll failure keeps the previous state; the next successful
// poll catches up.
func TestTransientPollErrorKeepsState(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "flaky", nil)
	fake.Script("flaky", "RUN")

	require.NoError(t, eng.Progress(ctx)) // submit
	require.Equal(t, task.StateSubmitted, rec.State)

	fake.PollErr = backend.ConnectivityError(fmt.Errorf("connection refused"), "test")
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, task.StateSubmitted, rec.State)

	fake.PollErr = nil
	require.NoError(t, eng.Progress(ctx))
	assert.Equal(t, task.StateRunning, rec.State)
}

// An unparseable backend status maps to UNKNOWN, which stays pollable and
// recovers once the backend reports something sensible again.
func TestUnknownStateRecovers(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	rec := addTask(t, eng, "odd", nil)
	fake.Script("odd", "GARBAGE", "RUN")

	require.NoError(t, eng.Progress(ctx)) // submit
	require.NoError(t, eng.Progress(ctx)) // poll GARBAGE
	assert.Equal(t, task.StateUnknown, rec.State)

	require.NoError(t, eng.Progress(ctx)) // poll RUN
	assert.Equal(t, task.StateRunning, rec.State)
}

// A termination callback that resubmits puts the task back in the queue; it
// is submitted again on a later cycle and retains its identifier.
func TestCallbackResubmission(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newTestEngine(t, fake, 10)
	ctx := context.Background()

	retried := 0
	rec := task.New("retry", task.CommandSpec{Executable: "x"})
	rec.MaxRetries = 1
	_, err := eng.Add(ctx, rec, func(_ context.Context, r *task.Record) error {
		if r.Failed() && r.RetryCount < r.MaxRetries {
			retried++
			return r.Resubmit()
		}
		return nil
	})
	require.NoError(t, err)
	fake.Script("retry", "EXIT")
	fake.ExitCodes["retry"] = 1
	id := rec.ID

	require.NoError(t, eng.Progress(ctx)) // submit
	require.NoError(t, eng.Progress(ctx)) // poll EXIT, collect, callback resubmits
	assert.Equal(t, 1, retried)
	assert.Equal(t, task.StateSubmitted, rec.State) // requeued and resubmitted same cycle
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, []string{"retry", "retry"}, fake.Submitted)
}

// Adding a task whose name is already persisted adopts the stored record
// instead of creating a duplicate.
func TestAddAdoptsPersistedRecord(t *testing.T) {
	fake := backendtest.New()
	eng, st := newTestEngine(t, fake, 10)
	ctx := context.Background()

	prior := task.New("known", task.CommandSpec{Executable: "x"})
	prior.MarkSubmitted("job-99")
	require.NoError(t, st.Save(ctx, prior))

	got, err := eng.Add(ctx, task.New("known", task.CommandSpec{Executable: "x"}), nil)
	require.NoError(t, err)
	assert.Equal(t, prior.ID, got.ID)
	assert.Equal(t, task.StateSubmitted, got.State)
	assert.Equal(t, "job-99", got.BackendJobID)

	// Already in flight: nothing to submit.
	require.NoError(t, eng.Progress(ctx))
	assert.Empty(t, fake.Submitted)
}

func TestLoadSessionResumes(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(t.TempDir()+"/tasks.db", nil)
	require.NoError(t, err)
	defer st.Close()

	done := task.New("done", task.CommandSpec{Executable: "x"})
	done.SetState(task.StateTerminated)
	require.NoError(t, st.Save(ctx, done))

	pending := task.New("pending", task.CommandSpec{Executable: "x"})
	require.NoError(t, st.Save(ctx, pending))

	fake := backendtest.New()
	eng, err := New(Options{Backend: fake, Store: st, MaxInFlight: 10, OutputDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, eng.LoadSession(ctx))
	assert.Len(t, eng.Tasks(), 2)

	require.NoError(t, eng.Progress(ctx))
	// Only the NEW task is submitted; the terminated one is left alone.
	assert.Equal(t, []string{"pending"}, fake.Submitted)
}

func TestStatsExitCode(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Stats)
		fatal bool
		want  int
	}{
		{"all done", func(s *Stats) {}, false, 0},
		{"fatal only", func(s *Stats) {}, true, ExitFatal},
		{"failed", func(s *Stats) { s.failed = 1 }, false, ExitFailed},
		{"in flight", func(s *Stats) { s.counts[task.StateRunning] = 2 }, false, ExitInFlight},
		{"new", func(s *Stats) { s.counts[task.StateNew] = 1 }, false, ExitNew},
		{"everything", func(s *Stats) {
			s.failed = 1
			s.counts[task.StateSubmitted] = 1
			s.counts[task.StateNew] = 1
		}, true, ExitFatal | ExitFailed | ExitInFlight | ExitNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Stats{counts: make(map[task.State]int)}
			tt.setup(&s)
			assert.Equal(t, tt.want, s.ExitCode(tt.fatal))
		})
	}
}
