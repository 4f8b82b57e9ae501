// Package pipeline runs queued jobs on a bounded pool of workers.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/queue"
)

// Handler processes one job.
type Handler func(ctx context.Context, job *queue.Job) error

// WorkerPool manages a pool of workers for parallel processing.
type WorkerPool struct {
	jobs       chan *queue.Job
	workers    int
	handler    Handler
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	metrics    *PoolMetrics
	bufferSize int

	leftMu sync.Mutex
	left   []*queue.Job
}

// PoolMetrics tracks worker pool statistics.
type PoolMetrics struct {
	mu             sync.Mutex
	Processed      int64
	Errors         int64
	Dropped        int64
	AvgProcessTime time.Duration
	totalTime      time.Duration
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers    int
	BufferSize int
	Logger     *zap.Logger
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:    8,
		BufferSize: 1000,
	}
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(ctx context.Context, config PoolConfig) *WorkerPool {
	defaults := DefaultPoolConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		jobs:       make(chan *queue.Job, config.BufferSize),
		workers:    config.Workers,
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger,
		metrics:    &PoolMetrics{},
		bufferSize: config.BufferSize,
	}
}

// Start begins processing with the given handler.
func (wp *WorkerPool) Start(handler Handler) {
	wp.handler = handler

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Info("Worker pool started", zap.Int("workers", wp.workers))
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobs:
			if job == nil {
				continue
			}
			if wp.ctx.Err() != nil {
				wp.hold(job)
				return
			}

			start := time.Now()
			if err := wp.handler(wp.ctx, job); err != nil {
				wp.metrics.mu.Lock()
				wp.metrics.Errors++
				wp.metrics.mu.Unlock()

				wp.logger.Error("Worker error",
					zap.Int("worker_id", id),
					zap.String("task", job.Name),
					zap.String("task_id", job.ID),
					zap.Error(err),
				)
				continue
			}

			wp.metrics.mu.Lock()
			wp.metrics.Processed++
			wp.metrics.totalTime += time.Since(start)
			wp.metrics.AvgProcessTime = wp.metrics.totalTime / time.Duration(wp.metrics.Processed)
			wp.metrics.mu.Unlock()

		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit adds a job without blocking. It reports false when the buffer is full
// or the pool is stopped.
func (wp *WorkerPool) Submit(job *queue.Job) bool {
	select {
	case wp.jobs <- job:
		return true
	case <-wp.ctx.Done():
		return false
	default:
		wp.metrics.mu.Lock()
		wp.metrics.Dropped++
		wp.metrics.mu.Unlock()

		wp.logger.Warn("Job dropped - buffer full", zap.String("task_id", job.ID))
		return false
	}
}

// SubmitBlocking adds a job, blocking while the buffer is full.
func (wp *WorkerPool) SubmitBlocking(job *queue.Job) bool {
	select {
	case wp.jobs <- job:
		return true
	case <-wp.ctx.Done():
		return false
	}
}

func (wp *WorkerPool) hold(job *queue.Job) {
	wp.leftMu.Lock()
	wp.left = append(wp.left, job)
	wp.leftMu.Unlock()
}

// Stop cancels the pool context and waits for workers to exit. Jobs still
// buffered are not run; collect them with Drain.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()

	m := wp.GetMetrics()
	wp.logger.Info("Worker pool stopped",
		zap.Int64("processed", m.Processed),
		zap.Int64("errors", m.Errors),
		zap.Int64("dropped", m.Dropped),
	)
}

// Drain returns the jobs that were accepted but never started. Call it after
// Stop.
func (wp *WorkerPool) Drain() []*queue.Job {
	wp.leftMu.Lock()
	jobs := wp.left
	wp.left = nil
	wp.leftMu.Unlock()

	for {
		select {
		case job := <-wp.jobs:
			if job != nil {
				jobs = append(jobs, job)
			}
		default:
			return jobs
		}
	}
}

// GetMetrics returns current pool metrics.
func (wp *WorkerPool) GetMetrics() PoolMetrics {
	wp.metrics.mu.Lock()
	defer wp.metrics.mu.Unlock()

	return PoolMetrics{
		Processed:      wp.metrics.Processed,
		Errors:         wp.metrics.Errors,
		Dropped:        wp.metrics.Dropped,
		AvgProcessTime: wp.metrics.AvgProcessTime,
	}
}

// QueueSize returns the current number of buffered jobs.
func (wp *WorkerPool) QueueSize() int {
	return len(wp.jobs)
}

// IsHealthy reports whether the pool is running and its buffer is below 90%.
func (wp *WorkerPool) IsHealthy() bool {
	select {
	case <-wp.ctx.Done():
		return false
	default:
		return len(wp.jobs) < int(float64(wp.bufferSize)*0.9)
	}
}
