package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/gridsweep/internal/task"
)

// Metrics exposes the engine's task-state gauges and cycle counters.
type Metrics struct {
	states      *prometheus.GaugeVec
	cycles      prometheus.Counter
	submissions prometheus.Counter
	polls       prometheus.Counter
	fetches     prometheus.Counter
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridsweep_tasks",
			Help: "Number of tasks per execution state.",
		}, []string{"state"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_engine_cycles_total",
			Help: "Number of completed engine progress cycles.",
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_submissions_total",
			Help: "Number of successful task submissions.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_polls_total",
			Help: "Number of backend status polls.",
		}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_fetches_total",
			Help: "Number of task output fetches.",
		}),
	}
	reg.MustRegister(m.states, m.cycles, m.submissions, m.polls, m.fetches)
	return m
}

func (m *Metrics) observeStats(stats Stats) {
	if m == nil {
		return
	}
	for _, s := range task.States {
		m.states.WithLabelValues(string(s)).Set(float64(stats.Count(s)))
	}
}

func (m *Metrics) addPolls(n int) {
	if m != nil {
		m.polls.Add(float64(n))
	}
}

func (m *Metrics) incSubmission() {
	if m != nil {
		m.submissions.Inc()
	}
}

func (m *Metrics) incFetch() {
	if m != nil {
		m.fetches.Inc()
	}
}

func (m *Metrics) incCycle() {
	if m != nil {
		m.cycles.Inc()
	}
}
