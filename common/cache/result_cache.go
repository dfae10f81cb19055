package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redisWrapper "github.com/loomflow/loomflow/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ResultCache bridges asynchronous executions to synchronous trigger
// responses. Results are keyed by execution id and expire after their TTL.
type ResultCache interface {
	Set(ctx context.Context, executionID string, result interface{}, ttl time.Duration) error
	Get(ctx context.Context, executionID string) (interface{}, bool, error)
	WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (interface{}, error)
	Close() error
}

const waitPollInterval = 100 * time.Millisecond

// MemoryResultCache is an in-process result cache for development and tests
type MemoryResultCache struct {
	data map[string]*resultEntry
	mu   sync.RWMutex
	log  Logger
}

type resultEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewMemoryResultCache creates a new in-memory result cache
func NewMemoryResultCache(log Logger) *MemoryResultCache {
	c := &MemoryResultCache{
		data: make(map[string]*resultEntry),
		log:  log,
	}

	go c.cleanup()

	return c
}

// Set stores a result with TTL
func (c *MemoryResultCache) Set(ctx context.Context, executionID string, result interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[executionID] = &resultEntry{
		value:     result,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get retrieves a result if present and unexpired
func (c *MemoryResultCache) Get(ctx context.Context, executionID string) (interface{}, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[executionID]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// WaitForResult polls until a result appears or the timeout elapses.
// Returns nil result (no error) on timeout.
func (c *MemoryResultCache) WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (interface{}, error) {
	return pollForResult(ctx, c, executionID, timeout)
}

// Close closes the cache
func (c *MemoryResultCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	return nil
}

// cleanup removes expired entries periodically
func (c *MemoryResultCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.data == nil {
			c.mu.Unlock()
			return
		}
		now := time.Now()
		for key, entry := range c.data {
			if now.After(entry.expiresAt) {
				delete(c.data, key)
			}
		}
		c.mu.Unlock()
	}
}

// RedisResultCache is a Redis-backed result cache; it survives process
// restarts so a synchronous waiter can be served by any instance.
type RedisResultCache struct {
	redis *redisWrapper.Client
	log   Logger
}

// NewRedisResultCache creates a Redis-backed result cache
func NewRedisResultCache(redis *redisWrapper.Client, log Logger) *RedisResultCache {
	return &RedisResultCache{
		redis: redis,
		log:   log,
	}
}

func resultKey(executionID string) string {
	return "execution:result:" + executionID
}

// Set stores a result with TTL
func (c *RedisResultCache) Set(ctx context.Context, executionID string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.redis.SetWithExpiry(ctx, resultKey(executionID), string(data), ttl)
}

// Get retrieves a result if present
func (c *RedisResultCache) Get(ctx context.Context, executionID string) (interface{}, bool, error) {
	raw, err := c.redis.Get(ctx, resultKey(executionID))
	if err != nil {
		if errors.Is(err, redisWrapper.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var result interface{}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// WaitForResult polls until a result appears or the timeout elapses.
// Returns nil result (no error) on timeout.
func (c *RedisResultCache) WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (interface{}, error) {
	return pollForResult(ctx, c, executionID, timeout)
}

// Close closes the cache (connections are owned by the shared Redis client)
func (c *RedisResultCache) Close() error {
	return nil
}

func pollForResult(ctx context.Context, cache ResultCache, executionID string, timeout time.Duration) (interface{}, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		value, found, err := cache.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if found {
			return value, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
