// Package workerpool runs background database work on a bounded set of
// goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of background work. Tasks sharing a Key coalesce while
// one of them is still waiting in the queue.
type Task struct {
	Key string
	Fn  func(context.Context) error
}

// Outcome reports what Schedule did with a task
type Outcome int

const (
	// Queued means the task will run
	Queued Outcome = iota
	// Coalesced means a queued task with the same key will do the work
	Coalesced
	// Rejected means the queue is full or the pool is stopped
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Coalesced:
		return "coalesced"
	default:
		return "rejected"
	}
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Task
	wg     sync.WaitGroup

	mu      sync.Mutex
	waiting map[string]struct{}
	stopped bool

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
	coalescedTasks uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool starts cfg.MaxWorkers workers (default 10) over a queue of
// cfg.QueueSize tasks (default 100)
func NewWorkerPool(cfg *Config) *WorkerPool {
	maxWorkers, queueSize, logger := cfg.MaxWorkers, cfg.QueueSize, cfg.Logger
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: maxWorkers,
		queueSize:  queueSize,
		logger:     logger.With(zap.String("pool", cfg.Name)),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan Task, queueSize),
		waiting:    make(map[string]struct{}),
	}

	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.Int("max_workers", maxWorkers),
		zap.Int("queue_size", queueSize))
	return p
}

// worker runs tasks until the queue is closed and empty
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.mu.Lock()
		delete(p.waiting, task.Key)
		p.mu.Unlock()

		p.run(id, task)
	}
}

func (p *WorkerPool) run(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.Int("worker_id", workerID),
			zap.String("key", task.Key),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
	p.logger.Debug("Task completed",
		zap.Int("worker_id", workerID),
		zap.String("key", task.Key),
		zap.Duration("duration", duration))
}

// safeExecute turns a panicking task into a failed one
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Schedule queues task without blocking. A task whose key is already
// waiting is coalesced into it; a task with an empty key always queues.
func (p *WorkerPool) Schedule(task Task) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return Rejected
	}
	if task.Key != "" {
		if _, ok := p.waiting[task.Key]; ok {
			atomic.AddUint64(&p.coalescedTasks, 1)
			return Coalesced
		}
	}

	select {
	case p.queue <- task:
		if task.Key != "" {
			p.waiting[task.Key] = struct{}{}
		}
		atomic.AddUint64(&p.totalTasks, 1)
		return Queued
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return Rejected
	}
}

// Stop refuses new tasks and waits for queued ones to finish. After timeout
// the context handed to running tasks is canceled.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", zap.Int("queued_tasks", len(p.queue)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped gracefully")
		return nil
	case <-time.After(timeout):
		p.cancel()
		p.logger.Warn("Worker pool stop timeout", zap.Duration("timeout", timeout))
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.queue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
		CoalescedTasks: atomic.LoadUint64(&p.coalescedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
	CoalescedTasks uint64
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(s.TotalTasks)) * 100.0
}
