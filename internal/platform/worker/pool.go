// Package worker provides a bounded worker pool for background jobs.
package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker: pool closed")

	// ErrQueueFull is returned by TrySubmit when the queue has no room
	ErrQueueFull = errors.New("worker: queue full")
)

// Job is a unit of work
type Job struct {
	// Name identifies the job in results and logs
	Name string

	// Key pins the job to one worker: jobs sharing a non-empty Key run one
	// at a time in submission order. Empty keys are spread round-robin.
	Key string

	Run func(ctx context.Context) error
}

// Result is the outcome of a job
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// PoolConfig configures NewPool
type PoolConfig struct {
	Workers   int // defaults to 1
	QueueSize int // per worker; 0 means unbuffered

	// OnResult is called from the worker goroutine after each job
	OnResult func(Result)
}

// task is what travels on a worker queue: a job, or a barrier shared by
// every queue
type task struct {
	job     Job
	barrier *barrier
}

// barrier runs its job once every worker has reached it, and holds all
// workers until the job is done
type barrier struct {
	job     Job
	arrived sync.WaitGroup
	done    chan struct{}
}

// Pool runs jobs on a fixed set of goroutines, each fed by its own bounded
// queue. Close drains jobs already queued before returning.
type Pool struct {
	queues   []chan task
	onResult func(Result)
	next     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

// NewPool starts the workers. Jobs run with a context derived from ctx;
// cancelling it stops jobs that honor their context but does not close
// the pool.
//
// Example:
//
//	pool := worker.NewPool(ctx, worker.PoolConfig{Workers: 4, QueueSize: 256})
//	defer pool.Close()
//	_ = pool.TrySubmit(worker.Job{Name: "remote-set", Key: key, Run: func(ctx context.Context) error { ... }})
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		queues:   make([]chan task, cfg.Workers),
		onResult: cfg.OnResult,
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := range p.queues {
		p.queues[i] = make(chan task, cfg.QueueSize)
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()

	for t := range p.queues[id] {
		if t.barrier != nil {
			p.runBarrier(id, t.barrier)
			continue
		}
		p.run(t.job)
	}
}

func (p *Pool) run(job Job) {
	start := time.Now()
	err := job.Run(p.ctx)
	p.pending.Add(-1)

	if p.onResult != nil {
		p.onResult(Result{Name: job.Name, Err: err, Duration: time.Since(start)})
	}
}

// runBarrier is reached once per worker. Worker 0 runs the job after all
// workers have arrived; the others wait for it to finish.
func (p *Pool) runBarrier(id int, b *barrier) {
	b.arrived.Done()
	if id != 0 {
		<-b.done
		return
	}

	b.arrived.Wait()
	p.run(b.job)
	close(b.done)
}

func (p *Pool) queueFor(key string) chan task {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	if key == "" {
		return p.queues[p.next.Add(1)%uint64(len(p.queues))]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Submit queues job, blocking while its queue is full
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	select {
	case p.queueFor(job.Key) <- task{job: job}:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// TrySubmit queues job only if there is room right now
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	select {
	case p.queueFor(job.Key) <- task{job: job}:
		return nil
	default:
		p.pending.Add(-1)
		return ErrQueueFull
	}
}

// TrySubmitBarrier queues job behind everything already queued on every
// worker. It runs once all earlier jobs have finished, and no job queued
// after it starts before it is done. It needs a free slot in every queue,
// so it always fails with ErrQueueFull on an unbuffered pool.
func (p *Pool) TrySubmitBarrier(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	// Only workers receive, so room seen here is still there below
	for _, q := range p.queues {
		if len(q) == cap(q) {
			return ErrQueueFull
		}
	}

	b := &barrier{job: job, done: make(chan struct{})}
	b.arrived.Add(len(p.queues))
	p.pending.Add(1)
	for _, q := range p.queues {
		q <- task{barrier: b}
	}
	return nil
}

// Flush waits until every submitted job has finished or ctx is done
func (p *Pool) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for p.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting jobs, runs whatever is queued, and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Workers returns the number of worker goroutines
func (p *Pool) Workers() int {
	return len(p.queues)
}

// Pending returns the number of jobs queued or running
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}
