package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Broker stores pending jobs and task states.
type Broker interface {
	// Push makes a job immediately available to Pop.
	Push(ctx context.Context, job *Job) error
	// Schedule holds a job until PromoteDue is called at or after at.
	Schedule(ctx context.Context, job *Job, at time.Time) error
	// Pop waits up to timeout for a job. It returns nil, nil on timeout.
	Pop(ctx context.Context, timeout time.Duration) (*Job, error)
	// PromoteDue moves scheduled jobs whose time has come to the ready queue.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// SetState stores a task handle for ttl.
	SetState(ctx context.Context, handle *TaskHandle, ttl time.Duration) error
	// GetState returns nil, nil for unknown or expired tasks.
	GetState(ctx context.Context, taskID string) (*TaskHandle, error)
}

type delayedJob struct {
	job *Job
	at  time.Time
}

type delayedHeap []delayedJob

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(delayedJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type storedState struct {
	handle  TaskHandle
	expires time.Time
}

// MemoryBroker is an in-process Broker for single-binary deployments and tests.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   []*Job
	delayed delayedHeap
	states  map[string]storedState
	signal  chan struct{}
	now     func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		states: make(map[string]storedState),
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (b *MemoryBroker) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Push implements Broker.
func (b *MemoryBroker) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	b.ready = append(b.ready, job)
	b.mu.Unlock()
	b.notify()
	return nil
}

// Schedule implements Broker.
func (b *MemoryBroker) Schedule(_ context.Context, job *Job, at time.Time) error {
	b.mu.Lock()
	heap.Push(&b.delayed, delayedJob{job: job, at: at})
	b.mu.Unlock()
	return nil
}

// Pop implements Broker.
func (b *MemoryBroker) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			job := b.ready[0]
			b.ready[0] = nil
			b.ready = b.ready[1:]
			more := len(b.ready) > 0
			b.mu.Unlock()
			if more {
				b.notify()
			}
			return job, nil
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PromoteDue implements Broker.
func (b *MemoryBroker) PromoteDue(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	n := 0
	for b.delayed.Len() > 0 && !b.delayed[0].at.After(now) {
		item := heap.Pop(&b.delayed).(delayedJob)
		b.ready = append(b.ready, item.job)
		n++
	}
	b.mu.Unlock()
	if n > 0 {
		b.notify()
	}
	return n, nil
}

// SetState implements Broker.
func (b *MemoryBroker) SetState(_ context.Context, handle *TaskHandle, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = b.now().Add(ttl)
	}
	b.states[handle.TaskID] = storedState{handle: *handle, expires: expires}
	return nil
}

// GetState implements Broker.
func (b *MemoryBroker) GetState(_ context.Context, taskID string) (*TaskHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[taskID]
	if !ok {
		return nil, nil
	}
	if !s.expires.IsZero() && b.now().After(s.expires) {
		delete(b.states, taskID)
		return nil, nil
	}
	h := s.handle
	return &h, nil
}

// Len returns the number of ready and scheduled jobs.
func (b *MemoryBroker) Len() (ready, scheduled int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), b.delayed.Len()
}
