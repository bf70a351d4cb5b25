package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"ocrgate/internal/models"
	"ocrgate/internal/queue"
)

const defaultJobTimeout = 600 * time.Second

// Processor turns a staged document into the JSON result stored on the job.
type Processor interface {
	Process(ctx context.Context, path string) (json.RawMessage, error)
}

// JobStore is the slice of the queue the runner writes job state through.
type JobStore interface {
	MarkStarted(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, excInfo string) error
}

type RunnerConfig struct {
	DefaultTimeout time.Duration
	KeepStaged     bool
}

// Runner executes one job: start it, process the staged file under the job's
// timeout, then record the result or the failure.
type Runner struct {
	store  JobStore
	proc   Processor
	remove func(path string) error
	cfg    RunnerConfig

	processed atomic.Int64
	failed    atomic.Int64
}

// NewRunner builds a Runner; remove deletes a staged file after processing.
func NewRunner(store JobStore, proc Processor, remove func(path string) error, cfg RunnerConfig) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultJobTimeout
	}
	return &Runner{store: store, proc: proc, remove: remove, cfg: cfg}
}

// Run is the pool callback.
func (r *Runner) Run(task Task) {
	if task.Type != Process || task.Job == nil {
		return
	}
	r.Execute(context.Background(), task.Job)
}

// Execute runs job to a terminal state.
func (r *Runner) Execute(ctx context.Context, job *models.Job) {
	if err := r.store.MarkStarted(ctx, job.ID); err != nil {
		// expired, or already claimed by another worker
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			log.Printf("worker skip job %s: %v", job.ID, err)
		} else {
			log.Printf("worker start job %s failed: %v", job.ID, err)
		}
		return
	}
	start := time.Now()
	path := job.StagedPath()
	defer r.cleanup(path)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	result, err := r.process(ctx, path, timeout)
	jobDuration.Observe(time.Since(start).Seconds())
	r.processed.Add(1)

	if err != nil {
		r.failed.Add(1)
		status := "failed"
		if errors.Is(err, errJobTimeout) {
			status = "timeout"
		}
		jobsTotal.WithLabelValues(status).Inc()
		debugLog("[runner] job %s %s: %v", job.ID, status, err)
		if ferr := r.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Printf("worker record failure of job %s: %v", job.ID, ferr)
		}
		return
	}
	jobsTotal.WithLabelValues("finished").Inc()
	if ferr := r.store.Finish(ctx, job.ID, result); ferr != nil {
		log.Printf("worker record result of job %s: %v", job.ID, ferr)
	}
}

var errJobTimeout = errors.New("JobTimeoutException")

// process runs the processor in its own goroutine so a processor that ignores
// its context still cannot hold the job past the timeout.
func (r *Runner) process(ctx context.Context, path string, timeout time.Duration) (json.RawMessage, error) {
	if path == "" {
		return nil, errors.New("ValueError: job has no staged file argument")
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("worker processor panic: %v\n%s", p, debug.Stack())
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := r.proc.Process(jctx, path)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(jctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(timeout)
		}
		return out.result, out.err
	case <-jctx.Done():
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(timeout)
		}
		return nil, jctx.Err()
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w: Task exceeded maximum timeout value (%d seconds)", errJobTimeout, int(timeout.Seconds()))
}

func (r *Runner) cleanup(path string) {
	if r.cfg.KeepStaged || path == "" || r.remove == nil {
		return
	}
	if err := r.remove(path); err != nil {
		log.Printf("worker remove staged file failed: %v", err)
	}
}

// Stats returns how many jobs ran and how many of them failed.
func (r *Runner) Stats() (processed, failed int64) {
	return r.processed.Load(), r.failed.Load()
}
