package engine

import (
	"github.com/copyleftdev/gridsweep/internal/task"
)

// Stats aggregates task counts per canonical state, plus the number of
// failed (terminated with nonzero exit) tasks.
type Stats struct {
	counts map[task.State]int
	failed int
	total  int
}

// Stats computes the current aggregate state counts.
func (e *Engine) Stats() Stats {
	s := Stats{counts: make(map[task.State]int, len(task.States))}
	for _, ent := range e.tasks {
		s.counts[ent.rec.State]++
		s.total++
		if ent.rec.Failed() {
			s.failed++
		}
	}
	return s
}

// Count returns the number of tasks in state.
func (s Stats) Count(state task.State) int { return s.counts[state] }

// Failed returns the number of tasks that terminated unsuccessfully.
func (s Stats) Failed() int { return s.failed }

// Total returns the number of tracked tasks.
func (s Stats) Total() int { return s.total }

// InFlight returns the number of tasks counted against the concurrency cap.
func (s Stats) InFlight() int {
	return s.counts[task.StateSubmitted] + s.counts[task.StateRunning]
}

// Exit code bits reported by a session run.
const (
	ExitFatal    = 1 // an error interrupted the session
	ExitFailed   = 2 // at least one task terminated unsuccessfully
	ExitInFlight = 4 // tasks still SUBMITTED or RUNNING
	ExitNew      = 8 // tasks not yet submitted
)

// ExitCode encodes the aggregate session status as the 4-bit mask consumed
// by callers: 0 means every task terminated successfully, and any value
// above 3 means running the session again would make progress.
func (s Stats) ExitCode(fatal bool) int {
	rc := 0
	if fatal {
		rc |= ExitFatal
	}
	if s.failed > 0 {
		rc |= ExitFailed
	}
	if s.InFlight() > 0 {
		rc |= ExitInFlight
	}
	if s.counts[task.StateNew] > 0 {
		rc |= ExitNew
	}
	return rc
}
