package worker

import "runtime/debug"

type jobType int

const (
	jobRun jobType = iota
	jobStop
)

// Job is one unit handed to a worker goroutine.
type Job struct {
	Type jobType
	Run  func()
}

type Worker struct {
	pool       *Pool
	jobChannel chan Job
}

func newWorker(pool *Pool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		defer w.pool.retire(w.jobChannel)
		for job := range w.jobChannel {
			if job.Type == jobStop {
				w.pool.debug("worker stopping")
				return
			}
			w.run(job)
			if !w.pool.release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job.Run()
}
