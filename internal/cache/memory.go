package cache

import (
	"context"
	"sync"
	"time"

	"github.com/lexivault/lexibatch/pkg/models"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryCache is an in-process Cache for unit tests and local development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache returns a new empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }
func (c *MemoryCache) Close() error                 { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired() {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, ttl time.Duration) error {
	return c.Set(ctx, JobStatusKey(jobID), []byte(status), ttl)
}

func (c *MemoryCache) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, bool, error) {
	val, ok, err := c.Get(ctx, JobStatusKey(jobID))
	if err != nil || !ok {
		return "", false, err
	}
	return models.JobStatus(val), true, nil
}

func (c *MemoryCache) SetRetryBackoff(ctx context.Context, jobID string, delay time.Duration) error {
	return c.Set(ctx, RetryBackoffKey(jobID), []byte("1"), delay)
}

func (c *MemoryCache) RetryBackoffPending(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := c.Get(ctx, RetryBackoffKey(jobID))
	return ok, err
}

func (c *MemoryCache) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return c.Set(ctx, CancelKey(jobID), []byte("1"), ttl)
}

func (c *MemoryCache) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := c.Get(ctx, CancelKey(jobID))
	return ok, err
}

func (c *MemoryCache) ClearCancel(ctx context.Context, jobID string) error {
	return c.Delete(ctx, CancelKey(jobID))
}

// Compile-time check that MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)
