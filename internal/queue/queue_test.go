package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrgate/internal/models"
	"ocrgate/internal/redis"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: m.Addr()}))
	t.Cleanup(func() { client.Close() })
	q := New(Static(client), Options{Name: "ocr", ResultTTL: 500 * time.Second, FailureTTL: time.Hour})
	return q, m
}

func enqueueSample(t *testing.T, q *Queue) *models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), EnqueueRequest{
		Func:    "ocr_worker.ocr_task.process_document",
		Args:    []string{"/srv/quarantine/abc_scan.png"},
		Timeout: 600 * time.Second,
		Meta:    models.JobMeta{UserSlug: "acme", Title: "documento", FileName: "scan.png", Size: 1024},
	})
	require.NoError(t, err)
	return job
}

func TestEnqueueAndFetch(t *testing.T) {
	q, m := newTestQueue(t)
	ctx := context.Background()

	job := enqueueSample(t, q)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobQueued, job.Status)

	got, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "ocr", got.Queue)
	assert.Equal(t, "ocr_worker.ocr_task.process_document", got.Func)
	assert.Equal(t, []string{"/srv/quarantine/abc_scan.png"}, got.Args)
	assert.Equal(t, 600*time.Second, got.Timeout)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, "acme", got.Meta.UserSlug)
	assert.False(t, got.EnqueuedAt.IsZero())

	ids, err := m.List("ocrgate:queue:ocr")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAbandonedJobExpires(t *testing.T) {
	q, m := newTestQueue(t)
	ctx := context.Background()
	job := enqueueSample(t, q)
	assert.Equal(t, defaultPendingTTL, m.TTL("ocrgate:job:"+job.ID))

	// a worker pops the job, marks it started, then dies
	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	m.FastForward(time.Hour)
	require.NoError(t, q.MarkStarted(ctx, id))
	assert.Equal(t, defaultPendingTTL, m.TTL("ocrgate:job:"+job.ID))

	m.FastForward(defaultPendingTTL + time.Second)
	_, err = q.Fetch(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFetchUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Fetch(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDequeueOrderAndEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := enqueueSample(t, q)
	second := enqueueSample(t, q)

	id, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	id, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)

	_, err = q.Dequeue(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestLifecycleFinished(t *testing.T) {
	q, m := newTestQueue(t)
	ctx := context.Background()
	job := enqueueSample(t, q)

	require.NoError(t, q.MarkStarted(ctx, job.ID))
	result := json.RawMessage(`{"text":"hola","confidence":0.93}`)
	require.NoError(t, q.Finish(ctx, job.ID, result))

	got, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.EndedAt.IsZero())
	assert.Equal(t, 500*time.Second, m.TTL("ocrgate:job:"+job.ID))

	// terminal states never change
	err = q.Fail(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = q.MarkStarted(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m.FastForward(501 * time.Second)
	_, err = q.Fetch(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLifecycleFailed(t *testing.T) {
	q, m := newTestQueue(t)
	ctx := context.Background()
	job := enqueueSample(t, q)

	// finishing a job that never started is not allowed
	err := q.Finish(ctx, job.ID, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, q.Fail(ctx, job.ID, "Traceback: boom"))
	got, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "Traceback: boom", got.ExcInfo)
	assert.Empty(t, got.Result)
	assert.Equal(t, time.Hour, m.TTL("ocrgate:job:"+job.ID))

	err = q.Finish(ctx, job.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.ErrorIs(t, q.MarkStarted(context.Background(), "nope"), ErrJobNotFound)
}

func TestFinishRejectsInvalidJSON(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := enqueueSample(t, q)
	require.NoError(t, q.MarkStarted(ctx, job.ID))
	assert.Error(t, q.Finish(ctx, job.ID, json.RawMessage(`{not json`)))
}
