package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomflow/loomflow/common/cache"
	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/db"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/queue"
	redisWrapper "github.com/loomflow/loomflow/common/redis"
	"github.com/loomflow/loomflow/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database. Unreachable Postgres is not fatal so a
	// single binary still runs in development; callers fall back to the
	// in-memory store when DB is nil.
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			components.Logger.Warn("database unavailable, executions will not be persisted", "error", err)
			components.DB = nil
		} else {
			components.addCleanup(func() error {
				components.DB.Close()
				return nil
			})
		}
	}

	// 4. Initialize Redis
	if !options.skipRedis {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     components.Config.RedisAddr(),
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()

		if err != nil {
			components.Logger.Warn("redis unavailable", "error", err)
			redisClient.Close()
		} else {
			components.Logger.Info("connected to redis", "addr", components.Config.RedisAddr())
			components.Redis = redisWrapper.NewClient(redisClient, components.Logger)
			components.addCleanup(func() error {
				return redisClient.Close()
			})
		}
	}

	// 5. Initialize the job queue
	switch components.Config.Queue.Type {
	case "memory":
		components.Queue = queue.NewMemoryQueue(components.Logger)
	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("queue type is redis but redis is unavailable")
		}
		components.Queue = queue.NewRedisQueue(components.Redis, components.Logger)
	default:
		return nil, fmt.Errorf("unknown queue type: %s", components.Config.Queue.Type)
	}
	components.addCleanup(func() error {
		return components.Queue.Close()
	})

	// 6. Initialize the result cache; Redis-backed when available so
	// sync waiters work across instances
	if components.Redis != nil {
		components.ResultCache = cache.NewRedisResultCache(components.Redis, components.Logger)
	} else {
		components.ResultCache = cache.NewMemoryResultCache(components.Logger)
	}
	components.addCleanup(func() error {
		return components.ResultCache.Close()
	})

	// 7. Optional pprof endpoint
	if components.Config.Telemetry.EnablePprof {
		if err := telemetry.New(components.Config.Telemetry.PprofPort, components.Logger).Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Config.Queue.Type,
	)

	return components, nil
}
