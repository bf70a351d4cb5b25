package worker

import (
	"sync"
	"time"
)

type workerMeta struct {
	id        int
	ch        chan Task
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

// taskPool is an elastic set of workers: it grows up to max on demand and
// retires workers idle for longer than expiry, never going below min.
type taskPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Task]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	run      func(Task)

	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

const defaultWorkerIdle = 30 * time.Second

func newTaskPool(minWorkers, maxWorkers int, idle time.Duration, run func(Task)) *taskPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &taskPool{
		metadata: make(map[chan Task]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		run:      run,
		quit:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker add a new worker, great for warm up
func (p *taskPool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
}

func (p *taskPool) newWorkerLocked() *Worker {
	p.nextID++
	worker := newWorker(p.nextID, p, p.run)
	p.metadata[worker.tasks] = &workerMeta{id: p.nextID, ch: worker.tasks}
	p.running++
	p.wg.Add(1)
	poolWorkers.Set(float64(p.running))
	return worker
}

// acquire get an idle worker, or spawn a new one. It reports false once the
// pool is closed.
func (p *taskPool) acquire() (chan Task, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}
		// get an idle worker
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch, true
		}
		// room for one more; it shows up in idle once started. Start only
		// launches the goroutine, whose Release blocks until Wait drops the lock.
		if p.running < p.max {
			p.newWorkerLocked().Start()
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// Release puts a worker back into the idle queue. False tells the worker to exit.
func (p *taskPool) Release(ch chan Task) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || p.closed {
		p.mu.Unlock()
		return false
	}
	if meta.enqueued {
		p.mu.Unlock()
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire delete a worker
func (p *taskPool) retire(ch chan Task) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
		poolWorkers.Set(float64(p.running))
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *taskPool) workerID(ch chan Task) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.metadata[ch]; ok {
		return meta.id
	}
	return 0
}

// size reports running and idle worker counts.
func (p *taskPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// popIdleLocked check if pool has an idle worker, then return
func (p *taskPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// purgeStaleWorkers call shutdownExpired when expiry time comes
func (p *taskPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retire all the expired worker
func (p *taskPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded { // discarded currently deleting worker
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta) // into the stale array, will delete
			continue
		}
		remaining = append(remaining, meta) // into the remaining array
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		debugLog("[pool] retiring idle worker-%d", meta.id)
		meta.ch <- Task{Type: Stop}
	}
}

// close stops idle workers, lets busy ones finish their task and waits for all
// of them to exit.
func (p *taskPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.quit)
	idle := p.idle
	p.idle = nil
	for _, meta := range idle {
		meta.discarded = true
		meta.enqueued = false
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, meta := range idle {
		meta.ch <- Task{Type: Stop}
	}
	p.wg.Wait()
}
