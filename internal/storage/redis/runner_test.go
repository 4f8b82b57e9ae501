package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/pipeline"
	"github.com/log-zero/sentinel/internal/queue"
)

func slowTask(name string, d time.Duration, err error) queue.Task {
	return queue.Task{
		Name:  name,
		Retry: queue.Fixed(3, time.Minute),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-time.After(d):
				return "done", err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func runFor(t *testing.T, q *queue.Queue, workers int, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runner := pipeline.NewRunner(q, pipeline.RunnerConfig{Workers: workers, BufferSize: 100, PollInterval: 20 * time.Millisecond}, zap.NewNop())
	stopped := make(chan error, 1)
	go func() { stopped <- runner.Run(ctx) }()

	time.Sleep(d)
	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func statuses(t *testing.T, q *queue.Queue, ids []string) map[queue.Status]int {
	t.Helper()
	out := map[queue.Status]int{}
	for _, id := range ids {
		h, err := q.Status(context.Background(), id)
		require.NoError(t, err)
		out[h.Status]++
	}
	return out
}

func TestRunner_ShutdownRequeuesUnstartedJobs(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	q := queue.New(c, queue.DefaultConfig(), zap.NewNop())
	q.Register(slowTask("slow", 200*time.Millisecond, nil))

	ids := make([]string, 20)
	for i := range ids {
		id, err := q.Submit(ctx, "slow", nil)
		require.NoError(t, err)
		ids[i] = id
	}

	runFor(t, q, 1, 100*time.Millisecond)

	got := statuses(t, q, ids)
	assert.Zero(t, got[queue.StatusStarted], "no task may be left running")
	assert.GreaterOrEqual(t, got[queue.StatusSuccess], 1, "the in-flight task completes")

	ready, delayed, err := c.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
	assert.Equal(t, int64(got[queue.StatusPending]), ready, "every pending task is back on the list")
	assert.Equal(t, 20, got[queue.StatusSuccess]+got[queue.StatusPending])

	// A fresh runner drains what the first one handed back.
	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()
	runner := pipeline.NewRunner(q, pipeline.RunnerConfig{Workers: 8, BufferSize: 8, PollInterval: 20 * time.Millisecond}, zap.NewNop())
	go func() { _ = runner.Run(ctx2) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			h, err := q.Status(ctx, id)
			if err != nil || h.Status != queue.StatusSuccess {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRunner_ShutdownSchedulesInFlightRetry(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	q := queue.New(c, queue.DefaultConfig(), zap.NewNop())
	q.Register(slowTask("failing", 200*time.Millisecond, errors.New("transient")))

	id, err := q.Submit(ctx, "failing", nil)
	require.NoError(t, err)

	runFor(t, q, 1, 100*time.Millisecond)

	h, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetry, h.Status)
	assert.Equal(t, 1, h.Retries)

	ready, delayed, err := c.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, int64(1), delayed)
}
