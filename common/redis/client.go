package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// SetWithExpiry sets a key with expiration
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", ErrKeyNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// ErrKeyNotFound is returned by Get when a key does not exist
var ErrKeyNotFound = fmt.Errorf("key not found")

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Subscribe subscribes to Redis channels matching the given patterns
func (c *Client) Subscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.redis.PSubscribe(ctx, patterns...)
}

// PushToList pushes values to the right of a list
func (c *Client) PushToList(ctx context.Context, key string, values ...interface{}) error {
	err := c.redis.RPush(ctx, key, values...).Err()
	if err != nil {
		c.logger.Error("redis RPUSH failed", "key", key, "error", err)
		return fmt.Errorf("failed to rpush to %s: %w", key, err)
	}
	c.logger.Debug("redis RPUSH", "key", key, "count", len(values))
	return nil
}

// BlockingPopList blocks and pops from a list (left side)
func (c *Client) BlockingPopList(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	result, err := c.redis.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		// Timeout - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis BLPOP failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to blpop from %v: %w", keys, err)
	}
	c.logger.Debug("redis BLPOP", "keys", keys)
	return result, nil
}

// RemoveFromList removes occurrences of a value from a list
func (c *Client) RemoveFromList(ctx context.Context, key string, value interface{}) (int64, error) {
	removed, err := c.redis.LRem(ctx, key, 0, value).Result()
	if err != nil {
		c.logger.Error("redis LREM failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to lrem from %s: %w", key, err)
	}
	c.logger.Debug("redis LREM", "key", key, "removed", removed)
	return removed, nil
}

// SetHash sets a hash field value
func (c *Client) SetHash(ctx context.Context, key, field, value string) error {
	err := c.redis.HSet(ctx, key, field, value).Err()
	if err != nil {
		c.logger.Error("redis HSET failed", "key", key, "field", field, "error", err)
		return fmt.Errorf("failed to set hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HSET", "key", key, "field", field)
	return nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}

// DeleteHashField removes a field from a hash
func (c *Client) DeleteHashField(ctx context.Context, key string, fields ...string) error {
	err := c.redis.HDel(ctx, key, fields...).Err()
	if err != nil {
		c.logger.Error("redis HDEL failed", "key", key, "fields", fields, "error", err)
		return fmt.Errorf("failed to hdel from %s: %w", key, err)
	}
	c.logger.Debug("redis HDEL", "key", key, "fields", fields)
	return nil
}

// Pipeline batches multiple Redis operations for better performance
type Pipeline struct {
	pipe   redis.Pipeliner
	client *Client
}

// NewPipeline creates a new pipeline for batching operations
func (c *Client) NewPipeline() *Pipeline {
	return &Pipeline{
		pipe:   c.redis.Pipeline(),
		client: c,
	}
}

// SetWithExpiry queues a SET operation in the pipeline
func (p *Pipeline) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) {
	p.pipe.Set(ctx, key, value, expiry)
}

// PublishEvent queues a PUBLISH operation in the pipeline
func (p *Pipeline) PublishEvent(ctx context.Context, channel string, message string) {
	p.pipe.Publish(ctx, channel, message)
}

// PushToList queues an RPUSH operation in the pipeline
func (p *Pipeline) PushToList(ctx context.Context, key string, values ...interface{}) {
	p.pipe.RPush(ctx, key, values...)
}

// Exec executes all queued operations in the pipeline
func (p *Pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil {
		p.client.logger.Error("redis pipeline exec failed", "error", err)
		return fmt.Errorf("failed to execute pipeline: %w", err)
	}
	p.client.logger.Debug("redis pipeline executed successfully")
	return nil
}
