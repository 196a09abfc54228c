package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/gridsweep/internal/backend/backendtest"
	"github.com/copyleftdev/gridsweep/internal/engine"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

func newSessionEngine(t *testing.T, fake *backendtest.Fake) (*engine.Engine, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir()+"/tasks.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := engine.New(engine.Options{
		Backend:     fake,
		Store:       st,
		MaxInFlight: 10,
		OutputDir:   t.TempDir(),
	})
	require.NoError(t, err)
	return eng, st
}

func TestRunToCompletion(t *testing.T) {
	fake := backendtest.New()
	eng, st := newSessionEngine(t, fake)
	ctx := context.Background()

	for _, name := range []string{"t1", "t2"} {
		_, err := eng.Add(ctx, task.New(name, task.CommandSpec{Executable: "x"}), nil)
		require.NoError(t, err)
		fake.Script(name, "RUN", "DONE")
	}

	var out bytes.Buffer
	d := NewDriver(eng, time.Millisecond, true, &out, nil)
	rc := d.Run(ctx)

	assert.Equal(t, 0, rc)
	assert.True(t, eng.Done())
	assert.Contains(t, out.String(), "TERMINATED")

	// Final state was persisted.
	recs, err := st.List(ctx)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, task.StateTerminated, rec.State)
	}
}

func TestRunReportsFailedTasks(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newSessionEngine(t, fake)
	ctx := context.Background()

	_, err := eng.Add(ctx, task.New("bad", task.CommandSpec{Executable: "x"}), nil)
	require.NoError(t, err)
	fake.Script("bad", "EXIT")
	fake.ExitCodes["bad"] = 1

	d := NewDriver(eng, time.Millisecond, true, nil, nil)
	rc := d.Run(ctx)
	assert.Equal(t, engine.ExitFailed, rc)
}

// Without wait a single cycle runs; unfinished work is reflected in the
// exit code so the caller can invoke the session again.
func TestRunSingleCycle(t *testing.T) {
	fake := backendtest.New()
	eng, _ := newSessionEngine(t, fake)
	ctx := context.Background()

	_, err := eng.Add(ctx, task.New("slow", task.CommandSpec{Executable: "x"}), nil)
	require.NoError(t, err)
	fake.Script("slow", "RUN", "RUN", "DONE")

	d := NewDriver(eng, time.Millisecond, false, nil, nil)
	rc := d.Run(ctx)
	assert.Equal(t, engine.ExitInFlight, rc)
	assert.Equal(t, []string{"slow"}, fake.Submitted)
}

// Cancellation between cycles persists the current state and returns with
// the in-flight bits still set, so the session can be resumed.
func TestRunInterrupted(t *testing.T) {
	fake := backendtest.New()
	eng, st := newSessionEngine(t, fake)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := eng.Add(ctx, task.New("longrun", task.CommandSpec{Executable: "x"}), nil)
	require.NoError(t, err)
	fake.Script("longrun", "RUN") // never finishes

	cancel()
	d := NewDriver(eng, time.Hour, true, nil, nil)
	rc := d.Run(ctx)

	assert.NotZero(t, rc&engine.ExitInFlight)

	stored, err := st.GetByName(context.Background(), "longrun")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, task.StateSubmitted, stored.State)
}
