package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ocrgate/internal/models"
	"ocrgate/internal/queue"
)

const (
	DefaultJobTimeout   = 600 * time.Second
	DefaultPollInterval = 600 * time.Millisecond
	DefaultPollBudget   = 25 * time.Second
)

// ErrNotEnqueued marks Submit failures that happened before the job reached the
// broker; the staged file is still owned by the caller.
var ErrNotEnqueued = errors.New("ocr job not enqueued")

// Broker is the part of the job queue the service needs.
type Broker interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.Job, error)
	Fetch(ctx context.Context, id string) (*models.Job, error)
}

type Config struct {
	Task         string
	JobTimeout   time.Duration
	PollInterval time.Duration
	PollBudget   time.Duration
}

// Outcome is what a caller sees of a job: the job itself plus whether it is
// still pending.
type Outcome struct {
	Job     *models.Job
	Pending bool
}

// Failed reports whether the job ended in failure.
func (o *Outcome) Failed() bool {
	return o != nil && o.Job != nil && o.Job.Status == models.JobFailed
}

// Service submits OCR jobs and bridges them back to synchronous callers.
type Service struct {
	broker Broker
	cfg    Config
}

func NewService(broker Broker, cfg Config) *Service {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = DefaultPollBudget
	}
	return &Service{broker: broker, cfg: cfg}
}

// Submit enqueues a job for the staged file and waits up to the poll budget
// for it to reach a terminal state. When the budget runs out the outcome is
// pending; the job itself keeps running.
func (s *Service) Submit(ctx context.Context, staged models.StagedFile, meta models.JobMeta) (*Outcome, error) {
	if staged.StoredPath == "" {
		return nil, errors.New("staged file path required")
	}
	job, err := s.broker.Enqueue(ctx, queue.EnqueueRequest{
		Func:    s.cfg.Task,
		Args:    []string{staged.StoredPath},
		Timeout: s.cfg.JobTimeout,
		Meta:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotEnqueued, err)
	}
	debugLog("[jobs] enqueued %s for %s", job.ID, staged.StoredPath)
	return s.wait(ctx, job)
}

// Lookup reports the current state of a job. Safe to call repeatedly.
func (s *Service) Lookup(ctx context.Context, id string) (*Outcome, error) {
	job, err := s.broker.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return outcomeOf(job), nil
}

func (s *Service) wait(ctx context.Context, job *models.Job) (*Outcome, error) {
	deadline := job.EnqueuedAt.Add(s.cfg.PollBudget)
	if job.EnqueuedAt.IsZero() {
		deadline = time.Now().Add(s.cfg.PollBudget)
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	current := job
	for {
		latest, err := s.broker.Fetch(waitCtx, job.ID)
		switch {
		case err == nil:
			current = latest
			if current.Status.IsTerminal() {
				return outcomeOf(current), nil
			}
		case waitCtx.Err() != nil:
			// the fetch was cut short by the budget or the caller going away
		default:
			return nil, fmt.Errorf("poll ocr job %s: %w", job.ID, err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			debugLog("[jobs] %s still %s after %s, handing back job id", job.ID, current.Status, s.cfg.PollBudget)
			return &Outcome{Job: current, Pending: true}, nil
		case <-ticker.C:
		}
	}
}

func outcomeOf(job *models.Job) *Outcome {
	return &Outcome{Job: job, Pending: !job.Status.IsTerminal()}
}
