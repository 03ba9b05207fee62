package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Worker pool defaults.
const (
	DefaultWorkers     = 4
	DefaultWorkerQueue = 256
)

// task is one queued background unit of work.
type task struct {
	name string
	fn   func(context.Context)
}

// workerPool runs background work (memory indexing, summary generation,
// cache refreshes) off the conversation turn's critical path.
//
// The queue is bounded; when it is full the task runs inline on the caller
// instead of being dropped, so background work is delayed under load but
// never lost.
type workerPool struct {
	queue  chan task
	wg     sync.WaitGroup
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes submits against drain closing the queue. Submits hold
	// the read lock for the send, drain takes the write lock to flip closed
	// and close the channel, so no send can hit a closed channel.
	mu     sync.RWMutex
	closed bool

	inline   atomic.Uint64
	executed atomic.Uint64
}

func newWorkerPool(workers, queueSize int, logger *slog.Logger) *workerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultWorkerQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		queue:  make(chan task, queueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for t := range p.queue {
		p.execute(t)
	}
}

func (p *workerPool) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(p.ctx)
	p.executed.Add(1)
}

// submit enqueues fn, running it inline when the queue is full or the pool
// is already closed.
func (p *workerPool) submit(name string, fn func(context.Context)) {
	t := task{name: name, fn: fn}
	if !p.enqueue(t) {
		p.execute(t)
	}
}

func (p *workerPool) enqueue(t task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		p.inline.Add(1)
		return false
	}
}

// drain stops accepting work and blocks until every queued task has run.
func (p *workerPool) drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
