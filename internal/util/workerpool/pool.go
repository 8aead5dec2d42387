package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Task is a unit of background work
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	// RatePerSecond throttles task starts across all workers; 0 disables it.
	RatePerSecond float64
	Burst         int
	TaskTimeout   time.Duration
	Logger        *zap.Logger
}

// WorkerPool runs tasks on a bounded set of goroutines fed by a bounded
// queue. Submissions never block; a full queue rejects the task.
type WorkerPool struct {
	name        string
	taskQueue   chan Task
	limiter     *rate.Limiter
	taskTimeout time.Duration
	logger      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	inflight sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool

	completed uint64
	failed    uint64
	rejected  uint64
}

// NewWorkerPool creates a new worker pool and starts its workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:        cfg.Name,
		taskQueue:   make(chan Task, cfg.QueueSize),
		taskTimeout: cfg.TaskTimeout,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.workers.Add(1)
		go p.worker()
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Float64("rate_per_second", cfg.RatePerSecond))
	return p
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()
	for task := range p.taskQueue {
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	defer p.inflight.Done()

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			atomic.AddUint64(&p.failed, 1)
			return
		}
	}

	ctx := p.ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	if err := p.safeExecute(ctx, task); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *WorkerPool) safeExecute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(ctx)
}

// TrySubmit queues task without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}

	p.inflight.Add(1)
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.inflight.Done()
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Drain blocks until every accepted task has finished or ctx is done.
func (p *WorkerPool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, lets queued tasks finish for up to timeout and
// then cancels whatever is still running.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-time.After(timeout):
		p.cancel()
		<-done
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Pending returns the number of queued tasks.
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Queued:    len(p.taskQueue),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
