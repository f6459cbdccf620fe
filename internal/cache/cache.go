package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexivault/lexibatch/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
//
// The engine uses it for three things: a job-status mirror so pollers do not
// hit Postgres, retry-backoff eligibility keys (the schema has no
// next-attempt column), and cooperative cancellation flags.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, bool, error)

	// SetRetryBackoff marks a job ineligible for re-dispatch for the given
	// delay. Key expiry is the eligibility signal; losing the key early only
	// makes a retry eligible sooner, never drops it.
	SetRetryBackoff(ctx context.Context, jobID string, delay time.Duration) error
	RetryBackoffPending(ctx context.Context, jobID string) (bool, error)

	// RequestCancel raises the cooperative cancel flag the worker pool checks
	// between item dispatches.
	RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(jobID), string(status), ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.JobStatus(val), true, nil
}

func (c *RedisCache) SetRetryBackoff(ctx context.Context, jobID string, delay time.Duration) error {
	return c.client.Set(ctx, RetryBackoffKey(jobID), "1", delay).Err()
}

func (c *RedisCache) RetryBackoffPending(ctx context.Context, jobID string) (bool, error) {
	n, err := c.client.Exists(ctx, RetryBackoffKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return c.client.Set(ctx, CancelKey(jobID), "1", ttl).Err()
}

func (c *RedisCache) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := c.client.Exists(ctx, CancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) ClearCancel(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, CancelKey(jobID)).Err()
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
