package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ocrgate/internal/models"
	"ocrgate/internal/redis"
)

const (
	keyPrefix = "ocrgate:"
	// defaultPendingTTL bounds how long a queued or started job survives
	// a worker that dies holding it.
	defaultPendingTTL = 24 * time.Hour
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrQueueEmpty        = errors.New("queue empty")
)

// Source hands out the broker client; *redis.Connector satisfies it.
type Source interface {
	Get(ctx context.Context) (*redis.Client, error)
}

type staticSource struct {
	client *redis.Client
}

func (s staticSource) Get(context.Context) (*redis.Client, error) { return s.client, nil }

// Static wraps an already connected client as a Source.
func Static(client *redis.Client) Source {
	return staticSource{client: client}
}

type Options struct {
	Name       string
	ResultTTL  time.Duration
	FailureTTL time.Duration
	// PendingTTL expires queued and started jobs; it must exceed the job timeout.
	PendingTTL time.Duration
}

// EnqueueRequest describes a job to push onto the queue.
type EnqueueRequest struct {
	Func    string
	Args    []string
	Timeout time.Duration
	Meta    models.JobMeta
}

// Queue is a Redis-backed job queue: one hash per job plus a list of pending ids.
type Queue struct {
	src  Source
	opts Options
	now  func() time.Time
}

func New(src Source, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "ocr"
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	return &Queue{src: src, opts: opts, now: time.Now}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.opts.Name
}

func (q *Queue) listKey() string {
	return keyPrefix + "queue:" + q.opts.Name
}

func jobKey(id string) string {
	return keyPrefix + "job:" + id
}

func (q *Queue) raw(ctx context.Context) (*goredis.Client, error) {
	client, err := q.src.Get(ctx)
	if err != nil {
		return nil, err
	}
	raw := client.Raw()
	if raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	return raw, nil
}

// Enqueue stores the job and appends its id to the queue atomically.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if req.Func == "" {
		return nil, errors.New("job func required")
	}
	raw, err := q.raw(ctx)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		ID:         uuid.NewString(),
		Queue:      q.opts.Name,
		Func:       req.Func,
		Args:       req.Args,
		Timeout:    req.Timeout,
		Status:     models.JobQueued,
		Meta:       req.Meta,
		EnqueuedAt: q.now().UTC(),
	}
	args, err := json.Marshal(job.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal job args: %w", err)
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal job meta: %w", err)
	}
	key := jobKey(job.ID)
	_, err = raw.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", job.ID,
			"queue", job.Queue,
			"func", job.Func,
			"args", string(args),
			"timeout", strconv.FormatInt(int64(job.Timeout/time.Second), 10),
			"status", string(job.Status),
			"meta", string(meta),
			"enqueued_at", formatTime(job.EnqueuedAt),
		)
		pipe.Expire(ctx, key, q.opts.PendingTTL)
		pipe.RPush(ctx, q.listKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Fetch loads the current state of a job.
func (q *Queue) Fetch(ctx context.Context, id string) (*models.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobNotFound
	}
	raw, err := q.raw(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := raw.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(fields)
}

// Dequeue pops the next job id, waiting up to wait. ErrQueueEmpty on timeout.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	raw, err := q.raw(ctx)
	if err != nil {
		return "", err
	}
	res, err := raw.BLPop(ctx, wait, q.listKey()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	return res[1], nil
}

// Len returns the number of jobs waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	raw, err := q.raw(ctx)
	if err != nil {
		return 0, err
	}
	return raw.LLen(ctx, q.listKey()).Result()
}

// MarkStarted moves a queued job to started and restarts its pending TTL.
func (q *Queue) MarkStarted(ctx context.Context, id string) error {
	return q.transition(ctx, id, models.JobStarted, q.opts.PendingTTL,
		"started_at", formatTime(q.now().UTC()))
}

// Finish stores the result payload and moves the job to finished.
func (q *Queue) Finish(ctx context.Context, id string, result json.RawMessage) error {
	if !json.Valid(result) {
		return errors.New("job result is not valid json")
	}
	return q.transition(ctx, id, models.JobFinished, q.opts.ResultTTL,
		"result", string(result),
		"ended_at", formatTime(q.now().UTC()))
}

// Fail records the diagnostic and moves the job to failed.
func (q *Queue) Fail(ctx context.Context, id, excInfo string) error {
	return q.transition(ctx, id, models.JobFailed, q.opts.FailureTTL,
		"exc_info", excInfo,
		"ended_at", formatTime(q.now().UTC()))
}

// transitionScript applies a status change only from an allowed previous status.
// Returns -1 when the job does not exist, 0 when the change is not allowed.
var transitionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HGET', KEYS[1], 'status')
local allowed = false
for s in string.gmatch(ARGV[1], '[^,]+') do
	if s == cur then
		allowed = true
	end
end
if not allowed then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

func (q *Queue) transition(ctx context.Context, id string, to models.JobStatus, ttl time.Duration, fields ...string) error {
	raw, err := q.raw(ctx)
	if err != nil {
		return err
	}
	var from []string
	for _, t := range models.ValidTransitions {
		if t.To == to {
			from = append(from, string(t.From))
		}
	}
	args := make([]interface{}, 0, 3+len(fields))
	args = append(args, strings.Join(from, ","), string(to), strconv.FormatInt(int64(ttl/time.Second), 10))
	for _, f := range fields {
		args = append(args, f)
	}
	res, err := transitionScript.Run(ctx, raw, []string{jobKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return fmt.Errorf("%w: job %s to %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func decodeJob(fields map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:      fields["id"],
		Queue:   fields["queue"],
		Func:    fields["func"],
		Status:  models.JobStatus(fields["status"]),
		ExcInfo: fields["exc_info"],
	}
	if v := fields["args"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Args); err != nil {
			return nil, fmt.Errorf("decode job args: %w", err)
		}
	}
	if v := fields["meta"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Meta); err != nil {
			return nil, fmt.Errorf("decode job meta: %w", err)
		}
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := fields["timeout"]; v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job timeout: %w", err)
		}
		job.Timeout = time.Duration(secs) * time.Second
	}
	job.EnqueuedAt = parseTime(fields["enqueued_at"])
	job.StartedAt = parseTime(fields["started_at"])
	job.EndedAt = parseTime(fields["ended_at"])
	return job, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
