package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the lexibatch engine.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Executor ExecutorConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig bounds the engine's concurrency and retry behavior.
type EngineConfig struct {
	// MaxConcurrentJobs is the global admission limit: how many jobs may be
	// processing at once. Jobs beyond it stay pending regardless of priority.
	MaxConcurrentJobs int
	// ItemWorkers bounds concurrent item executions within one job.
	ItemWorkers int
	// PollInterval is how often the dispatcher scans for pending jobs.
	PollInterval time.Duration
	// ItemTimeout caps one AI call; expiry settles the item as a
	// transient (retryable) failure.
	ItemTimeout time.Duration
	// RetryBackoffBase seeds the exponential re-enqueue delay
	// (base * 2^retry_count), capped at RetryBackoffMax.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// JobStatusTTL is how long polled job statuses live in the cache.
	JobStatusTTL time.Duration
}

type ExecutorConfig struct {
	Kind           string
	ProviderName   string
	SimulatedDelay time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			MaxConcurrentJobs: envInt("ENGINE_MAX_CONCURRENT_JOBS", 3),
			ItemWorkers:       envInt("ENGINE_ITEM_WORKERS", 5),
			PollInterval:      envDuration("ENGINE_POLL_INTERVAL", time.Second),
			ItemTimeout:       envDurationSecs("ENGINE_ITEM_TIMEOUT_SECS", 60*time.Second),
			RetryBackoffBase:  envDuration("ENGINE_RETRY_BACKOFF_BASE", 2*time.Second),
			RetryBackoffMax:   envDuration("ENGINE_RETRY_BACKOFF_MAX", 2*time.Minute),
			JobStatusTTL:      envDuration("ENGINE_JOB_STATUS_TTL", 30*time.Minute),
		},
		Executor: ExecutorConfig{
			Kind:           envString("EXECUTOR", "mock"),
			ProviderName:   envString("EXECUTOR_PROVIDER_NAME", "mock"),
			SimulatedDelay: envDuration("EXECUTOR_SIMULATED_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Engine.MaxConcurrentJobs < 1 {
		return fmt.Errorf("ENGINE_MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Engine.MaxConcurrentJobs)
	}
	if c.Engine.ItemWorkers < 1 {
		return fmt.Errorf("ENGINE_ITEM_WORKERS must be at least 1, got %d", c.Engine.ItemWorkers)
	}
	if c.Engine.ItemTimeout <= 0 {
		return fmt.Errorf("ENGINE_ITEM_TIMEOUT_SECS must be positive")
	}
	if c.Engine.RetryBackoffBase <= 0 || c.Engine.RetryBackoffMax < c.Engine.RetryBackoffBase {
		return fmt.Errorf("retry backoff bounds are invalid: base=%s max=%s",
			c.Engine.RetryBackoffBase, c.Engine.RetryBackoffMax)
	}
	if c.Executor.Kind == "" {
		return fmt.Errorf("EXECUTOR is required")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
