// Package local runs tasks as child processes on the local host.
//
// The backend keeps a bounded number of execution slots; submissions beyond
// the capacity fail with backend.ErrNoCapacity and are retried by the engine
// on a later cycle. Requested walltime is enforced with a per-job context
// deadline: a job exceeding it is killed and reports a nonzero exit code.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/copyleftdev/gridsweep/internal/backend"
	gserrors "github.com/copyleftdev/gridsweep/internal/errors"
	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/task"
)

const name = "local"

type job struct {
	dir    string
	cancel context.CancelFunc
	done   chan struct{}

	// set before done is closed
	exitCode int
}

// Backend executes tasks as local child processes.
type Backend struct {
	slots   int
	workDir string
	logger  *logging.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local backend with the given number of execution slots,
// running jobs under workDir.
func New(slots int, workDir string, logger *logging.Logger) (*Backend, error) {
	if slots < 1 {
		return nil, gserrors.Newf(gserrors.Config, "local backend needs at least 1 slot, got %d", slots)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, gserrors.Wrap(err, gserrors.Fatal, "creating work directory").WithComponent(name)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Backend{
		slots:   slots,
		workDir: workDir,
		logger:  logger.WithField("backend", name),
		jobs:    make(map[string]*job),
	}, nil
}

func (b *Backend) activeLocked() int {
	active := 0
	for _, j := range b.jobs {
		select {
		case <-j.done:
		default:
			active++
		}
	}
	return active
}

// Submit starts the task's command in a fresh job directory.
func (b *Backend) Submit(ctx context.Context, rec *task.Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.activeLocked() >= b.slots {
		return "", backend.ErrNoCapacity
	}

	jobID := uuid.NewString()
	dir := filepath.Join(b.workDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", backend.SubmitError(err, gserrors.Fatal, name)
	}
	if err := stageInputs(rec.Inputs, dir); err != nil {
		return "", backend.SubmitError(err, gserrors.Fatal, name)
	}

	jobCtx := context.Background()
	var cancel context.CancelFunc
	if rec.Command.Walltime > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, rec.Command.Walltime)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}

	cmd := exec.CommandContext(jobCtx, rec.Command.Executable, rec.Command.Args...)
	cmd.Dir = dir
	stdout, err := os.Create(filepath.Join(dir, "stdout.txt"))
	if err != nil {
		cancel()
		return "", backend.SubmitError(err, gserrors.Fatal, name)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.txt"))
	if err != nil {
		stdout.Close()
		cancel()
		return "", backend.SubmitError(err, gserrors.Fatal, name)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		cancel()
		return "", backend.SubmitError(err, gserrors.Fatal, name)
	}

	j := &job{dir: dir, cancel: cancel, done: make(chan struct{})}
	b.jobs[jobID] = j

	b.logger.Debug("job started", logging.Fields{"job_id": jobID, "task": rec.Name})

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				j.exitCode = ee.ExitCode()
			} else {
				j.exitCode = -1
			}
		}
		close(j.done)
	}()

	return jobID, nil
}

// PollStatus reports the job's canonical state. When the job has finished
// the record's exit code is filled in.
func (b *Backend) PollStatus(_ context.Context, rec *task.Record) (task.State, error) {
	b.mu.Lock()
	j, ok := b.jobs[rec.BackendJobID]
	b.mu.Unlock()
	if !ok {
		return task.StateUnknown, gserrors.Newf(gserrors.Fatal,
			"unknown job %q for task %s", rec.BackendJobID, rec.Name).WithComponent(name)
	}
	select {
	case <-j.done:
		code := j.exitCode
		rec.ExitCode = &code
		return task.StateTerminating, nil
	default:
		return task.StateRunning, nil
	}
}

// FetchOutput copies the requested output files from the job directory into
// destDir. The wildcard mapping fetches every file the job produced,
// including the captured stdout and stderr.
func (b *Backend) FetchOutput(_ context.Context, rec *task.Record, destDir string) error {
	b.mu.Lock()
	j, ok := b.jobs[rec.BackendJobID]
	b.mu.Unlock()
	if !ok {
		return gserrors.Newf(gserrors.Fatal,
			"unknown job %q for task %s", rec.BackendJobID, rec.Name).WithComponent(name)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return gserrors.Wrap(err, gserrors.Fatal, "creating output directory").WithComponent(name)
	}

	if _, all := rec.Outputs[task.OutputWildcard]; all || len(rec.Outputs) == 0 {
		entries, err := os.ReadDir(j.dir)
		if err != nil {
			return gserrors.Wrap(err, gserrors.Fatal, "listing job directory").WithComponent(name)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := copyFile(filepath.Join(j.dir, e.Name()), filepath.Join(destDir, e.Name())); err != nil {
				return gserrors.Wrap(err, gserrors.Fatal, "fetching output").WithComponent(name)
			}
		}
		return nil
	}

	for remote, localName := range rec.Outputs {
		if localName == "" {
			localName = filepath.Base(remote)
		}
		if err := copyFile(filepath.Join(j.dir, remote), filepath.Join(destDir, localName)); err != nil {
			return gserrors.Wrap(err, gserrors.Fatal, "fetching output").WithComponent(name)
		}
	}
	return nil
}

// Cancel kills the job if it is still running.
func (b *Backend) Cancel(_ context.Context, rec *task.Record) error {
	b.mu.Lock()
	j, ok := b.jobs[rec.BackendJobID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	return nil
}

// Free removes the job directory and forgets the job.
func (b *Backend) Free(_ context.Context, rec *task.Record) error {
	b.mu.Lock()
	j, ok := b.jobs[rec.BackendJobID]
	if ok {
		delete(b.jobs, rec.BackendJobID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	return os.RemoveAll(j.dir)
}

func stageInputs(inputs map[string]string, dir string) error {
	for localPath, remote := range inputs {
		if remote == "" {
			remote = filepath.Base(localPath)
		}
		dst := filepath.Join(dir, remote)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyFile(localPath, dst); err != nil {
			return fmt.Errorf("staging input %s: %w", localPath, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
