package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"docchat/internal/logger"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrKeyBusy          = errors.New("work already queued or running for key")
	ErrJobDropped       = errors.New("job canceled before it started")
)

// Task is the unit of work run by a worker. ctx is canceled when the key is
// canceled or the dispatcher shuts down.
type Task func(ctx context.Context)

// Job is a queued task bound to a key.
type Job struct {
	Key  string
	Name string

	task   Task
	ctx    context.Context
	cancel context.CancelFunc
	handle *Handle
	stop   bool
}

// Handle lets a submitter observe the end of its job.
type Handle struct {
	done    chan struct{}
	once    sync.Once
	dropped bool
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done is closed when the job finished running or was dropped from the queue.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports ErrJobDropped when the job never ran. Only valid after Done.
func (h *Handle) Err() error {
	if h.dropped {
		return ErrJobDropped
	}
	return nil
}

func (h *Handle) finish(dropped bool) {
	h.once.Do(func() {
		h.dropped = dropped
		close(h.done)
	})
}

type keyQueue struct {
	jobs     []*Job
	enqueued bool // present in the ready list
	running  *Job
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// Dispatcher runs jobs on a shared worker pool, one job per key at a time.
// Keys with pending work are served round-robin.
type Dispatcher struct {
	pool *jobChannelPool
	log  *logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue of keys that can be dispatched
	positions map[string]*list.Element
	pending   int
	limit     int
	closed    bool

	running sync.WaitGroup
	wake    chan struct{}
	quit    chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:        log,
		baseCtx:    ctx,
		baseCancel: cancel,
		queues:     make(map[string]*keyQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
		limit:      cfg.QueueSize,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, d)

	// Warm up workers.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues task behind any work already pending for key.
func (d *Dispatcher) Submit(key, name string, task Task) (*Handle, error) {
	return d.submit(key, name, task, false)
}

// TrySubmit queues task only if key has nothing queued or running.
func (d *Dispatcher) TrySubmit(key, name string, task Task) (*Handle, error) {
	return d.submit(key, name, task, true)
}

func (d *Dispatcher) submit(key, name string, task Task, exclusive bool) (*Handle, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	q := d.queues[key]
	if exclusive && q != nil && (len(q.jobs) > 0 || q.running != nil) {
		d.mu.Unlock()
		return nil, ErrKeyBusy
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return nil, ErrDispatcherBusy
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	job := &Job{Key: key, Name: name, task: task, ctx: ctx, cancel: cancel, handle: newHandle()}
	if q == nil {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.running == nil && !q.enqueued {
		// new key, enqueue
		q.enqueued = true
		d.positions[key] = d.ready.PushBack(key)
	}
	d.mu.Unlock()
	d.signal()
	return job.handle, nil
}

// Busy reports whether key has queued or running work.
func (d *Dispatcher) Busy(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	return q != nil && (len(q.jobs) > 0 || q.running != nil)
}

// Cancel drops queued jobs for key and cancels the context of the running one.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	q := d.queues[key]
	if q == nil {
		d.mu.Unlock()
		return
	}
	dropped := q.jobs
	q.jobs = nil
	d.pending -= len(dropped)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	q.enqueued = false
	if q.running != nil {
		q.running.cancel()
	} else {
		delete(d.queues, key)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.cancel()
		job.handle.finish(true)
	}
	if len(dropped) > 0 {
		debugLog(d.log, "dispatcher dropped queued jobs", "key", key, "count", len(dropped))
	}
}

// Close stops accepting jobs, drops queued ones and waits for running jobs
// until ctx expires, after which their contexts are canceled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var dropped []*Job
	for key, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
		if q.running == nil {
			delete(d.queues, key)
		}
	}
	d.pending = 0
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()
	close(d.quit)
	// busy workers exit after their current job
	d.pool.close()

	for _, job := range dropped {
		job.cancel()
		job.handle.finish(true)
	}

	waited := make(chan struct{})
	go func() {
		d.running.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.baseCancel()
	return err
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key in the front of the LRU queue
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

// dispatchOne takes the first ready key and hands its next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	d.ready.Remove(elem)
	delete(d.positions, key)
	q.enqueued = false
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	// the key leaves the ready list until this job is done
	q.running = job
	d.running.Add(1)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.finish(job, true)
		return false
	}
	debugLog(d.log, "dispatcher assigned job", "job", job.Name, "key", key, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// finish releases the key of a completed job and re-queues it if more work is pending.
func (d *Dispatcher) finish(job *Job, dropped bool) {
	d.mu.Lock()
	if q := d.queues[job.Key]; q != nil && q.running == job {
		q.running = nil
		if len(q.jobs) > 0 && !d.closed {
			q.enqueued = true
			d.positions[job.Key] = d.ready.PushBack(job.Key)
		} else if len(q.jobs) == 0 {
			delete(d.queues, job.Key)
		}
	}
	d.mu.Unlock()

	job.cancel()
	job.handle.finish(dropped)
	d.running.Done()
	d.signal()
}
