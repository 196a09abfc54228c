// Package engine advances a collection of long-running tasks by polling
// their backend, submitting new tasks up to a concurrency cap, retrieving
// the output of finished ones, and persisting every mutation write-through.
//
// The engine is a single-threaded cooperative scheduler: backend polls fan
// out concurrently within one cycle, but all state transitions are applied
// sequentially after the polls have joined, so task invariants never face
// concurrent mutation.
package engine

import (
	"context"
	"path/filepath"

	"github.com/gammazero/deque"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/copyleftdev/gridsweep/internal/backend"
	"github.com/copyleftdev/gridsweep/internal/errors"
	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// TerminationCallback runs after a task reaches TERMINATED, with its output
// already fetched. Callbacks typically parse result files or resubmit the
// task via rec.Resubmit; a task reset to NEW is queued again automatically.
type TerminationCallback func(ctx context.Context, rec *task.Record) error

type entry struct {
	rec          *task.Record
	onTerminated TerminationCallback
	dirty        bool
}

// Options configures an Engine.
type Options struct {
	Backend backend.Backend
	Store   store.Store
	Logger  *logging.Logger
	Metrics *Metrics

	// MaxInFlight caps tasks in SUBMITTED or RUNNING state. It is
	// enforced strictly, but may be under-utilized when submissions fail.
	MaxInFlight int
	// PollParallelism bounds concurrent backend polls per cycle.
	PollParallelism int
	// OutputDir receives fetched task output, one subdirectory per task.
	OutputDir string
}

// Engine is the task scheduler. Its methods must be called from a single
// goroutine.
type Engine struct {
	opts   Options
	logger *logging.Logger

	tasks  []*entry          // discovery order
	byName map[string]*entry // jobname index
	queue  deque.Deque[*entry]
}

// New creates an Engine. Backend and Store are required.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New(errors.Config, "engine needs a backend")
	}
	if opts.Store == nil {
		return nil, errors.New(errors.Config, "engine needs a task store")
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.PollParallelism < 1 {
		opts.PollParallelism = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.WithField("component", "engine"),
		byName: make(map[string]*entry),
	}, nil
}

// LoadSession adopts every record already persisted in the store, so an
// interrupted session resumes without resubmitting known tasks.
func (e *Engine) LoadSession(ctx context.Context) error {
	recs, err := e.opts.Store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e.adopt(rec, nil)
	}
	e.logger.Info("session loaded", logging.Fields{"tasks": len(recs)})
	return nil
}

// Add registers a task with the engine. If a task with the same name is
// already persisted, the stored record (and its state) is adopted instead of
// creating a duplicate; otherwise the record is saved immediately to reserve
// its identifier.
func (e *Engine) Add(ctx context.Context, rec *task.Record, onTerminated TerminationCallback) (*task.Record, error) {
	if existing, ok := e.byName[rec.Name]; ok {
		existing.onTerminated = onTerminated
		return existing.rec, nil
	}
	stored, err := e.opts.Store.GetByName(ctx, rec.Name)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		e.adopt(stored, onTerminated)
		return stored, nil
	}
	if err := e.opts.Store.Save(ctx, rec); err != nil {
		return nil, err
	}
	e.adopt(rec, onTerminated)
	return rec, nil
}

func (e *Engine) adopt(rec *task.Record, onTerminated TerminationCallback) {
	ent := &entry{rec: rec, onTerminated: onTerminated}
	e.tasks = append(e.tasks, ent)
	e.byName[rec.Name] = ent
	if rec.State == task.StateNew {
		e.queue.PushBack(ent)
	}
}

// Task returns the record registered under name, or nil.
func (e *Engine) Task(name string) *task.Record {
	if ent, ok := e.byName[name]; ok {
		return ent.rec
	}
	return nil
}

// Tasks returns all records in discovery order.
func (e *Engine) Tasks() []*task.Record {
	out := make([]*task.Record, len(e.tasks))
	for i, ent := range e.tasks {
		out[i] = ent.rec
	}
	return out
}

// Progress runs one scheduling cycle: poll every non-terminal task, fetch
// the output of tasks that just finished, then submit NEW tasks up to the
// concurrency cap, and persist every mutated record before returning.
//
// Polls always complete before submissions, so capacity freed by finished
// tasks is reused within the same cycle. Transient backend errors are
// logged and retried on a later cycle; fatal ones are aggregated into the
// returned error with the affected task left for manual intervention.
func (e *Engine) Progress(ctx context.Context) error {
	var errs error

	errs = multierr.Append(errs, e.pollAll(ctx))
	errs = multierr.Append(errs, e.collectFinished(ctx))
	errs = multierr.Append(errs, e.submitPending(ctx))
	errs = multierr.Append(errs, e.persistDirty(ctx))

	stats := e.Stats()
	e.opts.Metrics.observeStats(stats)
	e.opts.Metrics.incCycle()
	e.logger.Debug("cycle complete", logging.Fields{
		"total":     stats.Total(),
		"in_flight": stats.InFlight(),
		"new":       stats.Count(task.StateNew),
	})
	return errs
}

type pollResult struct {
	state task.State
	err   error
}

func (e *Engine) pollAll(ctx context.Context) error {
	var pollable []*entry
	for _, ent := range e.tasks {
		if ent.rec.State.Pollable() {
			pollable = append(pollable, ent)
		}
	}
	if len(pollable) == 0 {
		return nil
	}

	// Fan the polls out so many tasks do not serialize on backend
	// latency; transitions are applied after the join.
	results := make([]pollResult, len(pollable))
	p := pool.New().WithMaxGoroutines(e.opts.PollParallelism)
	for i, ent := range pollable {
		i, ent := i, ent
		p.Go(func() {
			state, err := e.opts.Backend.PollStatus(ctx, ent.rec)
			results[i] = pollResult{state: state, err: err}
		})
	}
	p.Wait()
	e.opts.Metrics.addPolls(len(pollable))

	var errs error
	for i, ent := range pollable {
		res := results[i]
		if res.err != nil {
			if errors.IsTransient(res.err) {
				e.logger.Warn("poll failed, will retry", logging.Fields{
					"task":  ent.rec.Name,
					"error": res.err.Error(),
				})
				continue
			}
			errs = multierr.Append(errs, errors.Wrapf(res.err, errors.Fatal,
				"polling task %s", ent.rec.Name))
			continue
		}
		if res.state != ent.rec.State {
			e.logger.Info("task state changed", logging.Fields{
				"task": ent.rec.Name,
				"from": string(ent.rec.State),
				"to":   string(res.state),
			})
			ent.rec.SetState(res.state)
			ent.dirty = true
		}
	}
	return errs
}

func (e *Engine) collectFinished(ctx context.Context) error {
	var errs error
	for _, ent := range e.tasks {
		if ent.rec.State != task.StateTerminating {
			continue
		}
		dest := filepath.Join(e.opts.OutputDir, ent.rec.Name)
		if err := e.opts.Backend.FetchOutput(ctx, ent.rec, dest); err != nil {
			if errors.IsTransient(err) {
				e.logger.Warn("output fetch failed, will retry", logging.Fields{
					"task":  ent.rec.Name,
					"error": err.Error(),
				})
				continue
			}
			errs = multierr.Append(errs, errors.Wrapf(err, errors.Fatal,
				"fetching output of task %s", ent.rec.Name))
			continue
		}
		e.opts.Metrics.incFetch()
		ent.rec.SetState(task.StateTerminated)
		ent.dirty = true

		if ent.onTerminated != nil {
			if err := ent.onTerminated(ctx, ent.rec); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, errors.Fatal,
					"termination callback for task %s", ent.rec.Name))
			}
			// A callback may have resubmitted the task.
			if ent.rec.State == task.StateNew {
				e.queue.PushBack(ent)
			}
		}
	}
	return errs
}

func (e *Engine) submitPending(ctx context.Context) error {
	inFlight := 0
	for _, ent := range e.tasks {
		if ent.rec.State.InFlight() {
			inFlight++
		}
	}

	var errs error
	for inFlight < e.opts.MaxInFlight && e.queue.Len() > 0 {
		ent := e.queue.PopFront()
		if ent.rec.State != task.StateNew {
			continue // state changed while queued
		}
		jobID, err := e.opts.Backend.Submit(ctx, ent.rec)
		if err != nil {
			if errors.IsTransient(err) {
				// Capacity or connectivity: put the task back and
				// stop submitting for this cycle.
				e.queue.PushFront(ent)
				e.logger.Warn("submission deferred", logging.Fields{
					"task":  ent.rec.Name,
					"error": err.Error(),
				})
				break
			}
			// Hard failure: leave the task NEW, out of the queue,
			// for manual intervention.
			errs = multierr.Append(errs, errors.Wrapf(err, errors.Fatal,
				"submitting task %s", ent.rec.Name))
			continue
		}
		ent.rec.MarkSubmitted(jobID)
		ent.dirty = true
		inFlight++
		e.opts.Metrics.incSubmission()
		e.logger.Info("task submitted", logging.Fields{
			"task":   ent.rec.Name,
			"job_id": jobID,
		})
	}
	return errs
}

func (e *Engine) persistDirty(ctx context.Context) error {
	var errs error
	for _, ent := range e.tasks {
		if !ent.dirty {
			continue
		}
		if err := e.opts.Store.Save(ctx, ent.rec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ent.dirty = false
	}
	return errs
}

// PersistAll saves every record unconditionally; used on shutdown.
func (e *Engine) PersistAll(ctx context.Context) error {
	var errs error
	for _, ent := range e.tasks {
		if err := e.opts.Store.Save(ctx, ent.rec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ent.dirty = false
	}
	return errs
}

// Done reports whether no task can make further progress.
func (e *Engine) Done() bool {
	for _, ent := range e.tasks {
		if !ent.rec.State.Terminal() {
			return false
		}
	}
	return true
}
