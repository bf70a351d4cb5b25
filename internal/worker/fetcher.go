package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"ocrgate/internal/models"
	"ocrgate/internal/queue"
)

const (
	defaultDequeueWait = 5 * time.Second
	fetchRetryBackoff  = time.Second
)

// Source is where the fetcher pulls job ids and job records from.
type Source interface {
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	Fetch(ctx context.Context, id string) (*models.Job, error)
}

// Fetcher moves jobs from the broker queue into the dispatcher.
type Fetcher struct {
	src        Source
	dispatcher *Dispatcher
	wait       time.Duration
	backoff    time.Duration
}

func NewFetcher(src Source, dispatcher *Dispatcher, wait time.Duration) *Fetcher {
	if wait <= 0 {
		wait = defaultDequeueWait
	}
	return &Fetcher{src: src, dispatcher: dispatcher, wait: wait, backoff: fetchRetryBackoff}
}

// Run loops until ctx is cancelled. A job id taken off the queue is always
// handed to the dispatcher, even while shutting down.
func (f *Fetcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		id, err := f.src.Dequeue(ctx, f.wait)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			log.Printf("worker dequeue failed: %v", err)
			if !sleepCtx(ctx, f.backoff) {
				return nil
			}
			continue
		}

		job, err := f.fetch(context.WithoutCancel(ctx), id)
		if err != nil {
			log.Printf("worker drop job %s: %v", id, err)
			continue
		}
		debugLog("[fetcher] job %s for tenant %q", job.ID, job.Meta.UserSlug)
		if err := f.dispatcher.Submit(context.WithoutCancel(ctx), Task{Type: Process, Job: job}); err != nil {
			log.Printf("worker submit job %s: %v", job.ID, err)
			return err
		}
	}
}

func (f *Fetcher) fetch(ctx context.Context, id string) (*models.Job, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		job, err := f.src.Fetch(ctx, id)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, err
		}
		lastErr = err
		time.Sleep(f.backoff)
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
