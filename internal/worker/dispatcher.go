package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type tenantQueue struct {
	tasks    []Task
	enqueued bool
}

// Dispatcher hands tasks to pooled workers round-robin across tenants, so one
// user's burst of uploads cannot starve everyone else.
type Dispatcher struct {
	pool      *taskPool
	TaskQueue chan Task // interface for outer tasks get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*tenantQueue // task queue for each tenant
	ready     *list.List              // round-robin queue storing tenants
	positions map[string]*list.Element
	backlog   int // tasks held in queues
	limit     int

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig, run func(Task)) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = cfg.MaxWorkers
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		queues:    make(map[string]*tenantQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      newTaskPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, run),
		TaskQueue: make(chan Task, queueSize),
		limit:     queueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Warm up workers
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit blocks until the dispatcher accepts the task.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.TaskQueue <- task:
		return nil
	case <-d.quit:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, dispatches whatever is still queued and waits
// for the workers to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.quit) })
	<-d.done
	d.pool.close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one task of the tenant in the front of the ready queue
		if !d.dispatchOne() {
			select {
			case task := <-d.TaskQueue: // force congestion
				d.enqueueTask(task)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		d.pullWaiting()
	}
}

// pullWaiting moves tasks already waiting on TaskQueue into the tenant queues
// so the next pick sees every tenant, bounded by the queue size.
func (d *Dispatcher) pullWaiting() {
	for d.backlogLen() < d.limit {
		select {
		case task := <-d.TaskQueue: // non-congestion
			d.enqueueTask(task)
		default:
			return
		}
	}
}

func (d *Dispatcher) backlogLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backlog
}

func (d *Dispatcher) drain() {
	for {
		select {
		case task := <-d.TaskQueue:
			d.enqueueTask(task)
			continue
		default:
		}
		if !d.dispatchOne() {
			return
		}
	}
}

// Pending reports how many tasks wait for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.TaskQueue) + d.backlog
}

func (d *Dispatcher) enqueueTask(task Task) {
	tenant := task.tenant()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[tenant]
	if q == nil {
		q = &tenantQueue{}
		d.queues[tenant] = q
	}
	q.tasks = append(q.tasks, task)
	d.backlog++
	if q.enqueued {
		// tenant already waiting, skip
		return
	}
	// new tenant, enqueue
	q.enqueued = true
	d.positions[tenant] = d.ready.PushBack(tenant)
}

// dispatchOne get first tenant in the ready queue and dispatch its task
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	tenant := elem.Value.(string)
	q := d.queues[tenant]
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	d.backlog--
	if len(q.tasks) == 0 {
		// last task of this tenant, it leaves the ready queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, tenant)
		delete(d.queues, tenant)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		return false
	}
	debugLog("[dispatcher] assign job %s for tenant %q to worker-%d", task.jobID(), tenant, d.pool.workerID(workerChan))
	workerChan <- task
	return true
}
