// Package taskeval evaluates optimizer populations through the task engine:
// every candidate vector becomes one task whose fetched output is parsed
// back into an objective value. The optimizer never reads output files
// itself.
package taskeval

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gridsweep/internal/engine"
	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/optimization"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// TaskFactory builds the task that evaluates one candidate vector. The
// vector is typically encoded as program arguments or a generated input
// file. Task names must be unique per (generation, member) pair.
type TaskFactory func(generation, member int, x []float64) *task.Record

// ValueParser extracts the objective value of a terminated task from its
// fetched output.
type ValueParser func(rec *task.Record) (float64, error)

// Evaluator turns a task engine into a BatchObjective.
type Evaluator struct {
	engine       *engine.Engine
	newTask      TaskFactory
	parse        ValueParser
	pollInterval time.Duration
	logger       *logging.Logger

	generation int
}

// New creates an Evaluator. pollInterval is the wait between engine cycles
// while a generation is being evaluated.
func New(eng *engine.Engine, factory TaskFactory, parse ValueParser,
	pollInterval time.Duration, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Evaluator{
		engine:       eng,
		newTask:      factory,
		parse:        parse,
		pollInterval: pollInterval,
		logger:       logger.WithField("component", "taskeval"),
	}
}

// Objective returns the BatchObjective bound to ctx. Each call dispatches
// one generation of tasks and blocks until every one has terminated.
func (ev *Evaluator) Objective(ctx context.Context) optimization.BatchObjective {
	return func(pop *mat.Dense) ([]float64, error) {
		return ev.evaluate(ctx, pop)
	}
}

func (ev *Evaluator) evaluate(ctx context.Context, pop *mat.Dense) ([]float64, error) {
	n, _ := pop.Dims()
	gen := ev.generation
	ev.generation++

	names := make([]string, n)
	for i := 0; i < n; i++ {
		rec := ev.newTask(gen, i, pop.RawRowView(i))
		added, err := ev.engine.Add(ctx, rec, nil)
		if err != nil {
			return nil, fmt.Errorf("adding evaluation task: %w", err)
		}
		names[i] = added.Name
	}
	ev.logger.Info("generation dispatched", logging.Fields{
		"generation": gen,
		"tasks":      n,
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ev.engine.Progress(ctx); err != nil {
			return nil, err
		}
		if ev.allTerminated(names) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ev.pollInterval):
		}
	}

	// Report job failures before touching any output: a failed job must not
	// be masked by its own missing or garbled result file.
	for _, name := range names {
		rec := ev.engine.Task(name)
		if rec.Failed() {
			return nil, fmt.Errorf("evaluation task %s failed with exit code %d",
				name, *rec.ExitCode)
		}
	}

	vals := make([]float64, n)
	for i, name := range names {
		rec := ev.engine.Task(name)
		v, err := ev.parse(rec)
		if err != nil {
			return nil, fmt.Errorf("parsing value of task %s: %w", name, err)
		}
		vals[i] = v
	}
	return vals, nil
}

func (ev *Evaluator) allTerminated(names []string) bool {
	for _, name := range names {
		rec := ev.engine.Task(name)
		if rec == nil || !rec.State.Terminal() {
			return false
		}
	}
	return true
}

// ParseFloatFile returns a ValueParser reading a single float from the
// named fetched output file under outputDir/<task name>/.
func ParseFloatFile(outputDir, fileName string) ValueParser {
	return func(rec *task.Record) (float64, error) {
		data, err := readOutputFile(outputDir, rec.Name, fileName)
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(data, 64)
	}
}
