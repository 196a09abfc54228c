package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/gridsweep/internal/backend/backendtest"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

func TestMetricsObserved(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir()+"/tasks.db", nil)
	require.NoError(t, err)
	defer st.Close()

	fake := backendtest.New()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	eng, err := New(Options{
		Backend:     fake,
		Store:       st,
		Metrics:     metrics,
		MaxInFlight: 10,
		OutputDir:   t.TempDir(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	addTask(t, eng, "m1", nil)
	addTask(t, eng, "m2", nil)
	fake.Script("m1", "DONE")
	fake.Script("m2", "RUN", "DONE")

	require.NoError(t, eng.Progress(ctx)) // submit both
	require.NoError(t, eng.Progress(ctx)) // m1 finishes, m2 runs
	require.NoError(t, eng.Progress(ctx)) // m2 finishes

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.cycles))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.submissions))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.fetches))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(metrics.states.WithLabelValues("TERMINATED")))
	assert.Equal(t, float64(0),
		testutil.ToFloat64(metrics.states.WithLabelValues("RUNNING")))
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeStats(Stats{counts: map[task.State]int{}})
		m.addPolls(3)
		m.incSubmission()
		m.incFetch()
		m.incCycle()
	})
}
