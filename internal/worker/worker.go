package worker

import "fmt"

type Worker struct {
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan *Job
}

func NewWorker(pool *jobChannelPool, dispatcher *Dispatcher) *Worker {
	return &Worker{
		pool:       pool,
		dispatcher: dispatcher,
		jobChannel: make(chan *Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			w.dispatcher.log.Error("job panicked", "job", job.Name, "key", job.Key, "panic", fmt.Sprint(r))
		}
		w.dispatcher.finish(job, false)
	}()
	job.task(job.ctx)
}
