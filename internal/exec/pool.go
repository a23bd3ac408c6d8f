package exec

import (
	"errors"
	"log"
	"sync"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("exec: pool is shut down")

// Pool is a fixed-size worker pool with a bounded FIFO queue. Submission
// blocks while the queue is full, which applies backpressure instead of
// letting the backlog grow without bound.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool starts size worker goroutines draining a queue of depth queue.
func NewPool(size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{tasks: make(chan func(), queue)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		p.run(fn)
	}
}

// run keeps a panicking task from taking the worker goroutine down with it.
func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("exec: task panic: %v", r)
		}
	}()
	fn()
}

// Submit enqueues fn for execution in FIFO order. It blocks while the queue
// is full and returns ErrPoolClosed after Shutdown.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks <- fn
	return nil
}

// Shutdown stops intake, lets the queued backlog run to completion and waits
// for the workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
