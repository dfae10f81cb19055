package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Engine    EngineConfig
	Trigger   TriggerConfig
	Fabric    FabricConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Type            string // "memory" or "redis"
	NodeConcurrency int
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	WorkflowTimeout   time.Duration
	NodeWaitTimeout   time.Duration
	NodePollInterval  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	RetryableErrors   []string
	MaxLoopIterations int
	StaleExecutionAge time.Duration
}

// TriggerConfig holds trigger manager settings
type TriggerConfig struct {
	MaxConcurrentTriggers    int
	MaxConcurrentPerWorkflow int
	MaxConcurrentPerUser     int
	ConflictStrategy         string // queue, reject, priority
	MaxQueueSize             int
	QueueTimeout             time.Duration
	CompletedMaxAge          time.Duration
	CleanupInterval          time.Duration
	SyncWaitTimeout          time.Duration
}

// FabricConfig holds realtime event fabric settings
type FabricConfig struct {
	EventsPerExecution int
	MaxExecutions      int
	Retention          time.Duration
	SweepInterval      time.Duration
}

// RateLimitConfig holds HTTP trigger rate limit settings
type RateLimitConfig struct {
	Enabled     bool
	GlobalLimit int64
	UserLimit   int64
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "loomflow"),
			User:        getEnv("POSTGRES_USER", "loomflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "loomflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type:            getEnv("QUEUE_TYPE", "memory"),
			NodeConcurrency: getEnvInt("NODE_QUEUE_CONCURRENCY", 10),
		},
		Engine: EngineConfig{
			WorkflowTimeout:   getEnvDuration("WORKFLOW_TIMEOUT", 5*time.Minute),
			NodeWaitTimeout:   getEnvDuration("NODE_WAIT_TIMEOUT", 5*time.Minute),
			NodePollInterval:  getEnvDuration("NODE_POLL_INTERVAL", 100*time.Millisecond),
			MaxRetries:        getEnvInt("NODE_MAX_RETRIES", 3),
			RetryDelay:        getEnvDuration("NODE_RETRY_DELAY", 1*time.Second),
			BackoffMultiplier: getEnvFloat("NODE_BACKOFF_MULTIPLIER", 2),
			MaxRetryDelay:     getEnvDuration("NODE_MAX_RETRY_DELAY", 30*time.Second),
			RetryableErrors:   getEnvSlice("NODE_RETRYABLE_ERRORS", []string{"TIMEOUT", "NETWORK_ERROR", "RATE_LIMIT"}),
			MaxLoopIterations: getEnvInt("MAX_LOOP_ITERATIONS", 100000),
			StaleExecutionAge: getEnvDuration("STALE_EXECUTION_AGE", 1*time.Hour),
		},
		Trigger: TriggerConfig{
			MaxConcurrentTriggers:    getEnvInt("MAX_CONCURRENT_TRIGGERS", 50),
			MaxConcurrentPerWorkflow: getEnvInt("MAX_CONCURRENT_PER_WORKFLOW", 5),
			MaxConcurrentPerUser:     getEnvInt("MAX_CONCURRENT_PER_USER", 10),
			ConflictStrategy:         getEnv("TRIGGER_CONFLICT_STRATEGY", "queue"),
			MaxQueueSize:             getEnvInt("TRIGGER_MAX_QUEUE_SIZE", 100),
			QueueTimeout:             getEnvDuration("TRIGGER_QUEUE_TIMEOUT", 5*time.Minute),
			CompletedMaxAge:          getEnvDuration("TRIGGER_COMPLETED_MAX_AGE", 1*time.Hour),
			CleanupInterval:          getEnvDuration("TRIGGER_CLEANUP_INTERVAL", 1*time.Minute),
			SyncWaitTimeout:          getEnvDuration("TRIGGER_SYNC_WAIT_TIMEOUT", 30*time.Second),
		},
		Fabric: FabricConfig{
			EventsPerExecution: getEnvInt("FABRIC_EVENTS_PER_EXECUTION", 20),
			MaxExecutions:      getEnvInt("FABRIC_MAX_EXECUTIONS", 100),
			Retention:          getEnvDuration("FABRIC_RETENTION", 60*time.Second),
			SweepInterval:      getEnvDuration("FABRIC_SWEEP_INTERVAL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
			GlobalLimit: int64(getEnvInt("RATE_LIMIT_GLOBAL", 300)),
			UserLimit:   int64(getEnvInt("RATE_LIMIT_PER_USER", 60)),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Trigger.ConflictStrategy {
	case "queue", "reject", "priority":
	default:
		return fmt.Errorf("unknown conflict strategy: %s", c.Trigger.ConflictStrategy)
	}

	if c.Queue.NodeConcurrency < 1 {
		return fmt.Errorf("node queue concurrency must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
