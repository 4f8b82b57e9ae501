package redis

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/queue"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := newClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func testJob(id string, payload string) *queue.Job {
	return &queue.Job{
		ID:         id,
		Name:       "logs.analyze_log",
		Payload:    json.RawMessage(payload),
		MaxRetries: 3,
		EnqueuedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPushPop_FIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, testJob("a", `{"log_entry_id":1}`)))
	require.NoError(t, c.Push(ctx, testJob("b", `{"log_entry_id":2}`)))

	first, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)
	assert.JSONEq(t, `{"log_entry_id":1}`, string(first.Payload))

	second, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)
}

func TestPush_CompressesLargePayloads(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	msg := strings.Repeat("disk failure on /dev/sda ", 200)
	payload, err := json.Marshal(map[string]string{"message": msg})
	require.NoError(t, err)
	require.NoError(t, c.Push(ctx, testJob("big", string(payload))))

	items, err := mr.List(jobQueueKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, strings.HasPrefix(items[0], string(zstdMagic)))
	assert.Less(t, len(items[0]), len(payload))

	job, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(job.Payload))
}

func TestPop_TimeoutReturnsNil(t *testing.T) {
	c, _ := newTestClient(t)

	job, err := c.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestScheduleAndPromote(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Schedule(ctx, testJob("soon", `{}`), now.Add(30*time.Second)))
	require.NoError(t, c.Schedule(ctx, testJob("later", `{}`), now.Add(5*time.Minute)))

	n, err := c.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.PromoteDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, delayed, err := c.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
	assert.Equal(t, int64(1), delayed)

	job, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "soon", job.ID)
}

func TestTaskState(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	missing, err := c.GetState(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	h := &queue.TaskHandle{
		TaskID: "t1",
		Name:   "logs.cleanup_old_results",
		Status: queue.StatusSuccess,
		Result: json.RawMessage(`{"status":"success","deleted_reports":0}`),
	}
	require.NoError(t, c.SetState(ctx, h, time.Hour))

	got, err := c.GetState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, queue.StatusSuccess, got.Status)
	assert.JSONEq(t, string(h.Result), string(got.Result))

	mr.FastForward(2 * time.Hour)
	expired, err := c.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestCheckRateLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.CheckRateLimit(ctx, "10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.CheckRateLimit(ctx, "10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CheckRateLimit(ctx, "10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublishSubscribeAlerts(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ch, closeSub, err := c.SubscribeAlerts(ctx)
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, c.PublishAlert(ctx, map[string]string{"subject": "disk full"}))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"subject":"disk full"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
}
