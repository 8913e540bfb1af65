// Package workerpool implements the bounded Worker Pool (spec §4.3): a
// fixed number of goroutines draining a fixed-capacity queue, with
// non-blocking submission so a saturated pool surfaces QUEUE_FULL instead
// of making callers wait.
//
// Grounded on the teacher's ghostpool.PoolManager shape (a channel-backed
// pool plus a mutex-protected active-count map), narrowed from a
// container-lifecycle pool to a plain task-execution pool.
package workerpool

import (
	"sync"

	"github.com/ocx/imgforge/internal/apierror"
)

// Task is one unit of work submitted to the pool. Run must not panic; the
// pool recovers a panic so the worker keeps running, but the panic is
// discarded and nothing records the task as failed.
type Task struct {
	Run func()
}

// Pool runs submitted Tasks on a fixed number of worker goroutines.
type Pool struct {
	queue   chan Task
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  int
	workers int
}

// New starts a Pool with the given worker count and queue capacity (spec
// §6.3 worker_pool.workers / queue_capacity).
func New(workers, queueCapacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	p := &Pool{
		queue:   make(chan Task, queueCapacity),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.queue {
		p.mu.Lock()
		p.active++
		p.mu.Unlock()

		p.execute(task)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		recover()
	}()
	task.Run()
}

// Submit enqueues task without blocking. Returns an apierror.QueueFull
// Error when the queue is saturated (spec §4.3 "Backpressure").
func (p *Pool) Submit(task Task) error {
	select {
	case p.queue <- task:
		return nil
	default:
		return apierror.New(apierror.QueueFull, "worker pool queue is full")
	}
}

// Stats reports current utilization (spec §6.1 batch-status).
type Stats struct {
	Workers       int
	Active        int
	QueueDepth    int
	QueueCapacity int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	return Stats{
		Workers:       p.workers,
		Active:        active,
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
	}
}

// Shutdown closes the queue and waits for in-flight tasks to drain.
func (p *Pool) Shutdown() {
	close(p.queue)
	p.wg.Wait()
}
