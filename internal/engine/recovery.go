package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lexivault/lexibatch/internal/ledger"
	"github.com/lexivault/lexibatch/pkg/models"
)

// recoverInterrupted reconciles jobs left in processing by a crash. The
// event ledger is the authority: if it already shows a terminal event, only
// the aggregate row needs repair; otherwise the job's in-flight items reset
// to pending and the job re-enters the queue.
func (s *Service) recoverInterrupted(ctx context.Context) error {
	stuck, err := s.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}

	for _, job := range stuck {
		events, err := s.ledger.Replay(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("replay job %s: %w", job.ID, err)
		}

		replayed := ledger.StatusFromEvents(events)
		if replayed.Terminal() {
			if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, replayed); err != nil {
				return fmt.Errorf("repair job %s to %s: %w", job.ID, replayed, err)
			}
			s.cacheStatus(ctx, job.ID, replayed)
			slog.Info("repaired job aggregate from ledger", "job_id", job.ID, "status", replayed)
			continue
		}

		reset, err := s.store.ResetProcessingItems(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reset items of job %s: %w", job.ID, err)
		}
		if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusPending); err != nil {
			return fmt.Errorf("re-enqueue job %s: %w", job.ID, err)
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusPending)
		slog.Info("re-enqueued interrupted job", "job_id", job.ID, "reset_items", reset)
	}
	return nil
}
