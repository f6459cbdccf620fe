package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexivault/lexibatch/pkg/models"
)

// PostgresLedger implements Ledger on the ai_job_events table using pgx/v5.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Append(ctx context.Context, jobID string, eventType models.EventType, data map[string]any) error {
	var payload []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		payload = b
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO ai_job_events (job_id, event_type, event_data) VALUES ($1, $2, $3)`,
		jobID, eventType, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Replay(ctx context.Context, jobID string) ([]*models.JobEvent, error) {
	// id breaks created_at ties; together they are the authoritative order.
	rows, err := l.pool.Query(ctx,
		`SELECT id, job_id, event_type, event_data, created_at
		 FROM ai_job_events WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.EventData, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Compile-time check that PostgresLedger implements Ledger.
var _ Ledger = (*PostgresLedger)(nil)
