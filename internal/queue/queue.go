package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/metrics"
)

// HandlerFunc executes one attempt of a task. The returned value is stored as
// the task's JSON result.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Task binds a name to its handler and retry policy.
type Task struct {
	Name    string
	Handler HandlerFunc
	Retry   RetryPolicy
	Timeout time.Duration // overrides Config.TaskTimeout when set
}

// Submitter enqueues work by task name.
type Submitter interface {
	Submit(ctx context.Context, name string, args any) (string, error)
}

// Config configures a Queue.
type Config struct {
	// Eager runs tasks inline on Submit, retrying without delay.
	Eager       bool
	TaskTimeout time.Duration
	ResultTTL   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TaskTimeout: 5 * time.Minute,
		ResultTTL:   time.Hour,
	}
}

// Queue submits jobs to a broker and executes them against registered tasks.
type Queue struct {
	broker Broker
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	tasks map[string]Task
}

// New creates a Queue on top of broker.
func New(broker Broker, config Config, logger *zap.Logger) *Queue {
	return &Queue{
		broker: broker,
		config: config,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]Task),
	}
}

// Register adds or replaces a task.
func (q *Queue) Register(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.Name] = task
}

func (q *Queue) task(name string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[name]
	return t, ok
}

// Broker returns the underlying broker.
func (q *Queue) Broker() Broker {
	return q.broker
}

// Submit enqueues name with JSON-encoded args and returns the task id. It
// never waits for execution unless the queue is eager.
func (q *Queue) Submit(ctx context.Context, name string, args any) (string, error) {
	task, ok := q.task(name)
	if !ok {
		return "", fmt.Errorf("unknown task %q", name)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s args: %w", name, err)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		MaxRetries: task.Retry.MaxRetries,
		EnqueuedAt: q.now().UTC(),
	}

	if err := q.setState(ctx, job, StatusPending, nil, ""); err != nil {
		return "", err
	}
	metrics.TasksSubmitted.WithLabelValues(name).Inc()

	if q.config.Eager {
		q.runEager(ctx, job)
		return job.ID, nil
	}

	if err := q.broker.Push(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

// runEager executes every attempt inline. Countdowns are skipped.
func (q *Queue) runEager(ctx context.Context, job *Job) {
	for {
		retry, _ := q.Process(ctx, job)
		if !retry {
			return
		}
	}
}

// Status returns the state of a task. Unknown or expired ids read as PENDING.
func (q *Queue) Status(ctx context.Context, taskID string) (*TaskHandle, error) {
	h, err := q.broker.GetState(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read task state: %w", err)
	}
	if h == nil {
		return &TaskHandle{TaskID: taskID, Status: StatusPending}, nil
	}
	return h, nil
}

// Process runs one attempt of job. On a retryable failure it schedules the
// next attempt on the broker and reports retry=true. A returned error means
// the broker could not record the outcome.
func (q *Queue) Process(ctx context.Context, job *Job) (retry bool, err error) {
	task, ok := q.task(job.Name)
	if !ok {
		q.logger.Error("Unknown task", zap.String("task", job.Name), zap.String("task_id", job.ID))
		return false, q.setState(ctx, job, StatusFailure, nil, fmt.Sprintf("unknown task %q", job.Name))
	}

	if err := q.setState(ctx, job, StatusStarted, nil, ""); err != nil {
		return false, err
	}

	start := time.Now()
	result, runErr := q.run(ctx, task, job)
	metrics.TaskDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if runErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			runErr = Permanent(fmt.Errorf("failed to marshal result: %w", err))
		} else {
			metrics.TasksProcessed.WithLabelValues(job.Name, string(StatusSuccess)).Inc()
			return false, q.setState(ctx, job, StatusSuccess, data, "")
		}
	}

	if IsPermanent(runErr) || job.Attempt >= job.MaxRetries {
		q.logger.Error("Task failed",
			zap.String("task", job.Name),
			zap.String("task_id", job.ID),
			zap.Int("retries", job.Attempt),
			zap.Error(runErr),
		)
		metrics.TasksProcessed.WithLabelValues(job.Name, string(StatusFailure)).Inc()
		return false, q.setState(ctx, job, StatusFailure, nil, runErr.Error())
	}

	countdown := task.Retry.delay(job.Attempt)
	job.Attempt++
	job.NextRetryAt = q.now().Add(countdown).UTC()

	q.logger.Warn("Task failed, retrying",
		zap.String("task", job.Name),
		zap.String("task_id", job.ID),
		zap.Int("retry", job.Attempt),
		zap.Duration("countdown", countdown),
		zap.Error(runErr),
	)
	metrics.TasksProcessed.WithLabelValues(job.Name, string(StatusRetry)).Inc()

	if err := q.setState(ctx, job, StatusRetry, nil, runErr.Error()); err != nil {
		return false, err
	}
	if q.config.Eager {
		return true, nil
	}
	if err := q.broker.Schedule(ctx, job, job.NextRetryAt); err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	return true, nil
}

// run executes the handler with the task timeout and converts panics to errors.
func (q *Queue) run(ctx context.Context, task Task, job *Job) (result any, err error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = q.config.TaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task.Handler(ctx, job.Payload)
}

func (q *Queue) setState(ctx context.Context, job *Job, status Status, result json.RawMessage, errMsg string) error {
	h := &TaskHandle{
		TaskID:    job.ID,
		Name:      job.Name,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		Retries:   job.Attempt,
		UpdatedAt: q.now().UTC(),
	}
	if err := q.broker.SetState(ctx, h, q.config.ResultTTL); err != nil {
		return fmt.Errorf("failed to store task state: %w", err)
	}
	return nil
}
