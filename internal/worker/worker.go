package worker

type Worker struct {
	id    int
	pool  *taskPool
	run   func(Task)
	tasks chan Task
}

func newWorker(id int, pool *taskPool, run func(Task)) *Worker {
	return &Worker{
		id:    id,
		pool:  pool,
		run:   run,
		tasks: make(chan Task),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.wg.Done()
		for {
			if !w.pool.Release(w.tasks) {
				w.pool.retire(w.tasks)
				return
			}
			task := <-w.tasks
			if task.Type == Stop {
				debugLog("[worker-%d] stopping", w.id)
				w.pool.retire(w.tasks)
				return
			}
			w.run(task)
		}
	}()
}
