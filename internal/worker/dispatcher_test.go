package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrgate/internal/models"
)

func taskFor(tenant, id string) Task {
	return Task{Type: Process, Job: &models.Job{ID: id, Meta: models.JobMeta{UserSlug: tenant}}}
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.order = append(r.order, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestDispatcherRoundRobinAcrossTenants(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{}
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16}, func(task Task) {
		if task.Job.ID == "gate" {
			<-gate
		}
		rec.add(task.Job.ID)
	})

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, taskFor("gate", "gate")))
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, d.Submit(ctx, taskFor("alice", id)))
	}
	require.NoError(t, d.Submit(ctx, taskFor("bob", "b1")))
	close(gate)
	d.Close()

	order := rec.snapshot()
	require.Len(t, order, 6)
	assert.Equal(t, "gate", order[0])
	assert.Less(t, indexOf(order, "b1"), indexOf(order, "a4"), "bob must not wait behind all of alice's jobs: %v", order)
	// per-tenant order is preserved
	assert.Less(t, indexOf(order, "a1"), indexOf(order, "a2"))
	assert.Less(t, indexOf(order, "a2"), indexOf(order, "a3"))
	assert.Less(t, indexOf(order, "a3"), indexOf(order, "a4"))
}

func TestDispatcherGrowsPoolUpToMax(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	d := NewDispatcher(DispatcherConfig{MinWorkers: 0, MaxWorkers: 3, QueueSize: 8}, func(Task) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Submit(context.Background(), taskFor("t", string(rune('a'+i)))))
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	total, _ := d.pool.size()
	assert.Equal(t, 3, total)

	close(release)
	d.Close()
	assert.Equal(t, int32(3), peak.Load())
	total, _ = d.pool.size()
	assert.Zero(t, total)
}

func TestDispatcherCloseRunsQueuedTasks(t *testing.T) {
	var done atomic.Int32
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 32}, func(Task) {
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
	})
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Submit(context.Background(), taskFor("t", "x")))
	}
	d.Close()
	assert.Equal(t, int32(20), done.Load())
	assert.ErrorIs(t, d.Submit(context.Background(), taskFor("t", "late")), ErrDispatcherClosed)
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	var ran atomic.Int32
	p := newTaskPool(1, 4, 20*time.Millisecond, func(Task) { ran.Add(1) })
	defer p.close()

	// check out every worker at once so the pool grows to max
	chans := make([]chan Task, 0, 4)
	for i := 0; i < 4; i++ {
		ch, ok := p.acquire()
		require.True(t, ok)
		chans = append(chans, ch)
	}
	running, _ := p.size()
	assert.Equal(t, 4, running)
	for _, ch := range chans {
		ch <- taskFor("t", "x")
	}

	require.Eventually(t, func() bool {
		running, _ := p.size()
		return running == 1
	}, 2*time.Second, 10*time.Millisecond, "idle workers above min should retire")
	assert.Equal(t, int32(4), ran.Load())
}

func TestPoolAcquireAfterClose(t *testing.T) {
	p := newTaskPool(1, 1, time.Minute, func(Task) {})
	p.spawnWorker()
	p.close()
	_, ok := p.acquire()
	assert.False(t, ok)
	running, idle := p.size()
	assert.Zero(t, running)
	assert.Zero(t, idle)
}
