// Package metrics records cost and latency telemetry for executed AI calls.
// Recording is fire-and-forget: a failed write is logged by the caller but
// never fails the owning item, and job control flow never reads these rows.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexivault/lexibatch/pkg/models"
)

// Collector persists one metric row per executed AI call, retried attempts
// included.
type Collector interface {
	Record(ctx context.Context, m models.Metric) error
}

// PostgresCollector implements Collector on the ai_metrics table.
type PostgresCollector struct {
	pool *pgxpool.Pool
}

// NewPostgresCollector creates a new PostgresCollector.
func NewPostgresCollector(pool *pgxpool.Pool) *PostgresCollector {
	return &PostgresCollector{pool: pool}
}

func (c *PostgresCollector) Record(ctx context.Context, m models.Metric) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO ai_metrics (user_id, provider, feature, cost, tokens_used, response_time, was_fallback, was_cached)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.UserID, m.Provider, m.Feature, m.Cost, m.TokensUsed, m.ResponseTime, m.WasFallback, m.WasCached)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// MemoryCollector keeps recorded metrics in memory for tests.
type MemoryCollector struct {
	mu      sync.Mutex
	metrics []models.Metric
}

// NewMemoryCollector returns a new empty MemoryCollector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

func (c *MemoryCollector) Record(_ context.Context, m models.Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	return nil
}

// Recorded returns a snapshot of everything recorded so far.
func (c *MemoryCollector) Recorded() []models.Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

var (
	_ Collector = (*PostgresCollector)(nil)
	_ Collector = (*MemoryCollector)(nil)
)
