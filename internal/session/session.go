// Package session ties the execution engine and the task store together in
// a poll/wait loop and turns the aggregate task status into the process
// exit code.
package session

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/copyleftdev/gridsweep/internal/engine"
	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// Driver runs engine cycles until every task is done or the context is
// cancelled.
type Driver struct {
	engine   *engine.Engine
	interval time.Duration
	wait     bool
	logger   *logging.Logger
	out      io.Writer
}

// NewDriver creates a Driver. When wait is false a single cycle is run;
// otherwise the driver loops with the given poll interval. Summaries are
// written to out (io.Discard silences them).
func NewDriver(eng *engine.Engine, interval time.Duration, wait bool,
	out io.Writer, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	if out == nil {
		out = io.Discard
	}
	return &Driver{
		engine:   eng,
		interval: interval,
		wait:     wait,
		logger:   logger.WithField("component", "session"),
		out:      out,
	}
}

// Run drives the session and returns the 4-bit exit code. Cancellation is
// observed between cycles; the current state is persisted before returning,
// so an interrupted session resumes where it left off.
func (d *Driver) Run(ctx context.Context) int {
	fatal := false

	cycle := func() int {
		if err := d.engine.Progress(ctx); err != nil {
			// The engine only surfaces errors requiring intervention;
			// the session keeps processing the remaining tasks.
			fatal = true
			d.logger.Error("engine cycle reported errors", logging.Fields{
				"error": err.Error(),
			})
		}
		stats := d.engine.Stats()
		d.printSummary(stats)
		return stats.ExitCode(fatal)
	}

	rc := cycle()
	if d.wait {
		for rc > 3 {
			select {
			case <-ctx.Done():
				d.logger.Info("interrupted, persisting session state")
				rc = d.shutdown(rc)
				return rc
			case <-time.After(d.interval):
			}
			rc = cycle()
		}
	}
	return d.shutdown(rc)
}

// shutdown persists every record so the session file reflects the final
// task statuses.
func (d *Driver) shutdown(rc int) int {
	// Persist with a fresh context: the run context may already be
	// cancelled, and losing the final state would break resumption.
	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.engine.PersistAll(persistCtx); err != nil {
		d.logger.Error("failed to persist session state", logging.Fields{
			"error": err.Error(),
		})
		rc |= engine.ExitFatal
	}
	return rc
}

func (d *Driver) printSummary(stats engine.Stats) {
	fmt.Fprintf(d.out, "Session status at %s:\n", time.Now().Format(time.RFC3339))
	tw := tabwriter.NewWriter(d.out, 2, 4, 2, ' ', 0)
	for _, s := range task.States {
		if n := stats.Count(s); n > 0 {
			fmt.Fprintf(tw, "  %s\t%d\n", s, n)
		}
	}
	fmt.Fprintf(tw, "  failed\t%d\n", stats.Failed())
	fmt.Fprintf(tw, "  total\t%d\n", stats.Total())
	tw.Flush()
}
