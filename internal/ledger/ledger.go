// Package ledger is the append-only event history for batch jobs. Replaying
// a job's events reconstructs its status at any point in time, which is what
// crash recovery trusts instead of possibly-stale aggregate fields.
package ledger

import (
	"context"

	"github.com/lexivault/lexibatch/pkg/models"
)

// Ledger records and replays job events. Append is a pure insert; entries
// are never updated or deleted except by the cascading delete of their job.
type Ledger interface {
	// Append records one event. data is marshaled into the event's free-form
	// payload; nil data is stored as an absent payload.
	Append(ctx context.Context, jobID string, eventType models.EventType, data map[string]any) error

	// Replay returns the job's full event history in authoritative order:
	// created_at ascending, insertion order breaking ties.
	Replay(ctx context.Context, jobID string) ([]*models.JobEvent, error)
}

// StatusFromEvents folds an ordered event sequence into the job status it
// implies. An empty sequence reports pending: a job whose history holds no
// events was never admitted for processing.
func StatusFromEvents(events []*models.JobEvent) models.JobStatus {
	status := models.JobStatusPending
	for _, ev := range events {
		switch ev.EventType {
		case models.EventCreated:
			status = models.JobStatusPending
		case models.EventStarted, models.EventProgress:
			status = models.JobStatusProcessing
		case models.EventRetry:
			status = models.JobStatusPending
		case models.EventCompleted:
			status = models.JobStatusCompleted
		case models.EventFailed:
			status = models.JobStatusFailed
		case models.EventCancelled:
			status = models.JobStatusCancelled
		}
	}
	return status
}
