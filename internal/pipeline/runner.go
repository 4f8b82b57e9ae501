package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/metrics"
	"github.com/log-zero/sentinel/internal/queue"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Workers      int
	BufferSize   int
	PollInterval time.Duration // BRPOP timeout and retry promotion period
}

// Runner is the worker loop: it pops jobs from the broker, executes them on a
// WorkerPool and promotes delayed retries once their countdown has passed.
type Runner struct {
	queue  *queue.Queue
	config RunnerConfig
	logger *zap.Logger
	pool   *WorkerPool
}

// NewRunner creates a Runner for q.
func NewRunner(q *queue.Queue, config RunnerConfig, logger *zap.Logger) *Runner {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	pool := NewWorkerPool(context.Background(), PoolConfig{
		Workers:    config.Workers,
		BufferSize: config.BufferSize,
		Logger:     logger,
	})
	return &Runner{queue: q, config: config, logger: logger, pool: pool}
}

// requeueTimeout bounds the pushes that hand unstarted jobs back to the broker
// on shutdown.
const requeueTimeout = 5 * time.Second

// Run blocks until ctx is cancelled, then stops the pool. Jobs already running
// finish and record their outcome; popped jobs that never started are pushed
// back to the broker. A Runner is not restartable.
func (r *Runner) Run(ctx context.Context) error {
	// Handlers outlive ctx so an in-flight job can still write its final
	// state or schedule its retry. The task timeout bounds them.
	detached := context.WithoutCancel(ctx)
	r.pool.Start(func(_ context.Context, job *queue.Job) error {
		_, err := r.queue.Process(detached, job)
		return err
	})

	var held *queue.Job
	defer func() { r.shutdown(detached, held) }()

	go r.promote(ctx)

	broker := r.queue.Broker()
	for {
		job, err := broker.Pop(ctx, r.config.PollInterval)
		if job != nil && ctx.Err() != nil {
			held = job
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error("Failed to dequeue job", zap.Error(err))
			if !sleep(ctx, r.config.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			continue
		}
		if !r.submit(ctx, job) {
			held = job
			return nil
		}
		metrics.WorkerQueueDepth.Set(float64(r.pool.QueueSize()))
	}
}

// submit hands job to the pool, giving up when ctx is cancelled.
func (r *Runner) submit(ctx context.Context, job *queue.Job) bool {
	select {
	case r.pool.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	case <-r.pool.ctx.Done():
		return false
	}
}

// shutdown waits for running jobs and returns unstarted ones to the broker.
func (r *Runner) shutdown(ctx context.Context, held *queue.Job) {
	r.pool.Stop()

	jobs := r.pool.Drain()
	if held != nil {
		jobs = append(jobs, held)
	}
	if len(jobs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requeueTimeout)
	defer cancel()

	broker := r.queue.Broker()
	requeued := 0
	for _, job := range jobs {
		if err := broker.Push(ctx, job); err != nil {
			r.logger.Error("Failed to requeue job",
				zap.String("task", job.Name),
				zap.String("task_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}
	r.logger.Info("Requeued unstarted jobs", zap.Int("count", requeued))
	metrics.WorkerQueueDepth.Set(0)
}

// Healthy reports whether the worker pool is accepting jobs.
func (r *Runner) Healthy() bool {
	return r.pool.IsHealthy()
}

// Stats returns worker pool counters.
func (r *Runner) Stats() PoolMetrics {
	return r.pool.GetMetrics()
}

func (r *Runner) promote(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	broker := r.queue.Broker()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := broker.PromoteDue(ctx, now)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.logger.Error("Failed to promote delayed jobs", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				r.logger.Debug("Promoted delayed jobs", zap.Int("count", n))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
