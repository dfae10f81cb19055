package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// RateLimiter provides trigger-rate limiting using Redis + Lua. The
// counter is a fixed window shared across all instances.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewRateLimiter creates a new rate limiter with the embedded Lua script
func NewRateLimiter(redisClient *redis.Client, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobalLimit checks the service-wide trigger rate limit
func (r *RateLimiter) CheckGlobalLimit(ctx context.Context, limit int64) (*Result, error) {
	return r.checkLimit(ctx, "ratelimit:global", limit, DefaultGlobalConfig.WindowSeconds)
}

// CheckUserLimit checks the trigger rate limit for one user
func (r *RateLimiter) CheckUserLimit(ctx context.Context, userID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("ratelimit:user:%s", userID)
	return r.checkLimit(ctx, key, limit, windowSec)
}

// CheckTieredLimit checks a user's rate limit for one workflow tier.
// Each tier has its own counter so light workflows are not starved by
// heavy ones.
func (r *RateLimiter) CheckTieredLimit(ctx context.Context, userID string, tier WorkflowTier) (*Result, error) {
	key := fmt.Sprintf("ratelimit:user:%s:tier:%s", userID, tier)
	return r.checkLimit(ctx, key, LimitForTier(tier), WindowForTier(tier))
}

// checkLimit executes the rate limit Lua script
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, current_count, limit, retry_after}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	result := &Result{
		Allowed:           values[0].(int64) == 1,
		CurrentCount:      values[1].(int64),
		Limit:             values[2].(int64),
		RetryAfterSeconds: values[3].(int64),
	}

	if !result.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", limit,
			"retry_after", result.RetryAfterSeconds)
	}

	return result, nil
}

// CurrentCount returns the counter value without incrementing it
func (r *RateLimiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit counter
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
