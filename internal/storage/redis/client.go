// Package redis provides the Redis-backed task broker, rate limiter and alert
// fan-out.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/queue"
)

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: 6379,
		DB:   0,
	}
}

// Client wraps Redis connection.
type Client struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewClient creates a new Redis client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c, err := newClient(rdb, logger)
	if err != nil {
		return nil, err
	}
	c.config = config
	return c, nil
}

func newClient(rdb *redis.Client, logger *zap.Logger) (*Client, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Client{
		client:  rdb,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

const (
	jobQueueKey     = "sentinel:jobs"
	delayedQueueKey = "sentinel:jobs:delayed"
	taskKeyPrefix   = "sentinel:task:"

	// compressThreshold is the encoded job size above which payloads are
	// stored zstd-compressed.
	compressThreshold = 1024
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func (c *Client) encodeJob(job *queue.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if len(data) > compressThreshold {
		return c.encoder.EncodeAll(data, nil), nil
	}
	return data, nil
}

func (c *Client) decodeJob(data []byte) (*queue.Job, error) {
	if len(data) >= len(zstdMagic) && string(data[:len(zstdMagic)]) == string(zstdMagic) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress job: %w", err)
		}
		data = plain
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Push adds a job to the ready queue.
func (c *Client) Push(ctx context.Context, job *queue.Job) error {
	data, err := c.encodeJob(job)
	if err != nil {
		return err
	}
	return c.client.LPush(ctx, jobQueueKey, data).Err()
}

// Schedule holds a job in the delayed set until at.
func (c *Client) Schedule(ctx context.Context, job *queue.Job, at time.Time) error {
	data, err := c.encodeJob(job)
	if err != nil {
		return err
	}
	return c.client.ZAdd(ctx, delayedQueueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

// Pop retrieves a job from the ready queue (blocking).
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	result, err := c.client.BRPop(ctx, timeout, jobQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	return c.decodeJob([]byte(result[1]))
}

// PromoteDue moves due delayed jobs to the ready queue. A job is pushed only
// by the caller whose ZREM removed it, so concurrent promoters never
// duplicate work.
func (c *Client) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := c.client.ZRangeByScore(ctx, delayedQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := c.client.ZRem(ctx, delayedQueueKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := c.client.LPush(ctx, jobQueueKey, member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// SetState stores a task handle. A zero ttl keeps it forever.
func (c *Client) SetState(ctx context.Context, handle *queue.TaskHandle, ttl time.Duration) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}
	return c.client.Set(ctx, taskKeyPrefix+handle.TaskID, data, ttl).Err()
}

// GetState retrieves a task handle.
func (c *Client) GetState(ctx context.Context, taskID string) (*queue.TaskHandle, error) {
	data, err := c.client.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task state: %w", err)
	}

	var handle queue.TaskHandle
	if err := json.Unmarshal(data, &handle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task state: %w", err)
	}
	return &handle, nil
}

// QueueLength returns the number of ready and delayed jobs.
func (c *Client) QueueLength(ctx context.Context) (ready, delayed int64, err error) {
	pipe := c.client.Pipeline()
	readyCmd := pipe.LLen(ctx, jobQueueKey)
	delayedCmd := pipe.ZCard(ctx, delayedQueueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}

// Rate limiting
const rateLimitKeyPrefix = "sentinel:ratelimit:"

// CheckRateLimit checks if a request is within rate limits.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := rateLimitKeyPrefix + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

// Pub/Sub for real-time notifications
const alertChannel = "sentinel:alerts"

// PublishAlert publishes an alert to subscribers.
func (c *Client) PublishAlert(ctx context.Context, alert any) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	return c.client.Publish(ctx, alertChannel, data).Err()
}

// SubscribeAlerts subscribes to alert notifications. The returned function
// ends the subscription.
func (c *Client) SubscribeAlerts(ctx context.Context) (<-chan *redis.Message, func() error, error) {
	pubsub := c.client.Subscribe(ctx, alertChannel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return pubsub.Channel(), pubsub.Close, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.client.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ queue.Broker = (*Client)(nil)
