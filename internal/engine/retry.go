package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
)

// scheduleRetry re-enqueues a job whose item pass left failures while retry
// budget remains: the counter goes up, failed items reset to pending
// (successful ones are never re-run), the job returns to the queue behind
// an exponential backoff, and the retry event records the attempt.
func (s *Service) scheduleRetry(ctx context.Context, job *models.BatchJob, counts store.ItemCounts) {
	attempt, err := s.store.IncrementRetry(ctx, job.ID)
	if err != nil {
		// Budget raced to exhaustion; settle the job as failed instead.
		slog.Warn("retry increment refused, failing job", "job_id", job.ID, "error", err)
		s.failPermanently(ctx, job, counts)
		return
	}

	reset, err := s.store.ResetFailedItems(ctx, job.ID)
	if err != nil {
		slog.Error("failed to reset failed items", "job_id", job.ID, "error", err)
		return
	}

	if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusPending); err != nil {
		slog.Error("failed to re-enqueue job", "job_id", job.ID, "error", err)
		return
	}

	delay := s.backoffDelay(attempt)
	if err := s.cache.SetRetryBackoff(ctx, job.ID, delay); err != nil {
		// Losing the backoff key only makes the retry eligible early.
		slog.Warn("failed to set retry backoff", "job_id", job.ID, "error", err)
	}

	s.appendEvent(ctx, job.ID, models.EventRetry, map[string]any{
		"retry_count":  attempt,
		"max_retries":  job.MaxRetries,
		"failed_items": reset,
		"backoff_ms":   delay.Milliseconds(),
	})
	s.cacheStatus(ctx, job.ID, models.JobStatusPending)

	slog.Info("job scheduled for retry",
		"job_id", job.ID,
		"retry_count", attempt,
		"max_retries", job.MaxRetries,
		"failed_items", reset,
		"backoff", delay,
	)
}

func (s *Service) failPermanently(ctx context.Context, job *models.BatchJob, counts store.ItemCounts) {
	if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusFailed); err != nil {
		slog.Error("failed to fail job", "job_id", job.ID, "error", err)
		return
	}
	s.appendEvent(ctx, job.ID, models.EventFailed, map[string]any{
		"success_count": counts.Completed,
		"failure_count": counts.Failed,
	})
	s.cacheStatus(ctx, job.ID, models.JobStatusFailed)
}

// backoffDelay grows base * 2^attempt, capped.
func (s *Service) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryBackoffMax {
			return s.cfg.RetryBackoffMax
		}
	}
	return delay
}
