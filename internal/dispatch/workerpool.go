package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is a unit of blocking work run off the dispatch loop.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed number of goroutines. Submit never
// blocks: the dispatch loop must stay free to drain the results the
// workers post back to it.
type WorkerPool struct {
	workerCount int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Job
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	logger *slog.Logger
}

type WorkerPoolConfig struct {
	// WorkerCount defaults to 1 when zero or negative.
	WorkerCount int
}

func NewWorkerPool(config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			slog.Int("specified_count", config.WorkerCount),
			slog.Int("default_count", 1))
	}
	p := &WorkerPool{
		workerCount: workerCount,
		logger:      logger.With(slog.String("component", "worker_pool")),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. ctx is handed to every job.
func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx = ctx
	p.logger.Info("Starting worker pool", slog.Int("workers", p.workerCount))
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a job. It reports false once the pool is stopping.
func (p *WorkerPool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return true
}

// Pending returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(id, job)
	}
}

func (p *WorkerPool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", slog.Int("worker", id), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	job(p.ctx)
}
