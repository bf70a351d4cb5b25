package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrgate/internal/models"
	"ocrgate/internal/queue"
	"ocrgate/internal/redis"
)

type processorFunc func(ctx context.Context, path string) (json.RawMessage, error)

func (f processorFunc) Process(ctx context.Context, path string) (json.RawMessage, error) {
	return f(ctx, path)
}

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: m.Addr()}))
	t.Cleanup(func() { client.Close() })
	return queue.New(queue.Static(client), queue.Options{Name: "ocr", ResultTTL: 500 * time.Second, FailureTTL: time.Hour}), m
}

func stageFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "abc_scan.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o640))
	return path
}

func enqueueFor(t *testing.T, q *queue.Queue, path string, timeout time.Duration) *models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Func:    "ocr_worker.ocr_task.process_document",
		Args:    []string{path},
		Timeout: timeout,
		Meta:    models.JobMeta{UserSlug: "acme"},
	})
	require.NoError(t, err)
	return job
}

func TestRunnerFinishesJobAndRemovesStagedFile(t *testing.T) {
	q, _ := newTestQueue(t)
	path := stageFile(t, t.TempDir())
	job := enqueueFor(t, q, path, time.Minute)

	var seen string
	r := NewRunner(q, processorFunc(func(_ context.Context, p string) (json.RawMessage, error) {
		seen = p
		return json.RawMessage(`{"text":"hola"}`), nil
	}), os.Remove, RunnerConfig{})
	r.Run(Task{Type: Process, Job: job})

	assert.Equal(t, path, seen)
	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	assert.JSONEq(t, `{"text":"hola"}`, string(got.Result))
	assert.NoFileExists(t, path)

	processed, failed := r.Stats()
	assert.Equal(t, int64(1), processed)
	assert.Zero(t, failed)
}

func TestRunnerRecordsFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	path := stageFile(t, t.TempDir())
	job := enqueueFor(t, q, path, time.Minute)

	r := NewRunner(q, processorFunc(func(context.Context, string) (json.RawMessage, error) {
		return nil, errors.New("TesseractError: unsupported image")
	}), os.Remove, RunnerConfig{KeepStaged: true})
	r.Run(Task{Type: Process, Job: job})

	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "TesseractError: unsupported image", got.ExcInfo)
	assert.FileExists(t, path, "KeepStaged leaves the file for inspection")

	_, failed := r.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestRunnerTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)
	path := stageFile(t, t.TempDir())
	job := enqueueFor(t, q, path, time.Second)

	// ignores its context on purpose
	r := NewRunner(q, processorFunc(func(context.Context, string) (json.RawMessage, error) {
		time.Sleep(3 * time.Second)
		return json.RawMessage(`{}`), nil
	}), os.Remove, RunnerConfig{})

	start := time.Now()
	r.Run(Task{Type: Process, Job: job})
	assert.Less(t, time.Since(start), 2500*time.Millisecond)

	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "JobTimeoutException: Task exceeded maximum timeout value (1 seconds)", got.ExcInfo)
}

func TestRunnerRecoversPanic(t *testing.T) {
	q, _ := newTestQueue(t)
	job := enqueueFor(t, q, stageFile(t, t.TempDir()), time.Minute)

	r := NewRunner(q, processorFunc(func(context.Context, string) (json.RawMessage, error) {
		panic("boom")
	}), os.Remove, RunnerConfig{})
	r.Run(Task{Type: Process, Job: job})

	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ExcInfo, "boom")
}

func TestRunnerSkipsJobAlreadyStarted(t *testing.T) {
	q, _ := newTestQueue(t)
	job := enqueueFor(t, q, stageFile(t, t.TempDir()), time.Minute)
	require.NoError(t, q.MarkStarted(context.Background(), job.ID))

	called := false
	r := NewRunner(q, processorFunc(func(context.Context, string) (json.RawMessage, error) {
		called = true
		return nil, nil
	}), os.Remove, RunnerConfig{})
	r.Run(Task{Type: Process, Job: job})

	assert.False(t, called)
	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStarted, got.Status)
}

func TestRunnerRejectsJobWithoutPath(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Func: "ocr", Timeout: time.Minute})
	require.NoError(t, err)

	r := NewRunner(q, processorFunc(func(context.Context, string) (json.RawMessage, error) {
		t.Fatal("processor must not run without a staged file")
		return nil, nil
	}), os.Remove, RunnerConfig{})
	r.Run(Task{Type: Process, Job: job})

	got, err := q.Fetch(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}
