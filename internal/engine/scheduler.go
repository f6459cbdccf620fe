package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
)

// candidateBatch is how many pending jobs one admission pass considers. CAS
// losses and backoff skips eat into it, so it is wider than the slot count.
const candidateBatch = 10

// dispatchPending admits pending jobs into free slots. Ordering comes from
// the store (priority rank, then submission time); admission itself is the
// atomic pending->processing swap, so racing dispatchers cannot double-own
// a job; the loser just moves to the next candidate.
func (s *Service) dispatchPending(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return // all slots busy; jobs stay queued
		}

		job := s.admitNext(ctx)
		if job == nil {
			<-s.slots
			return
		}

		run := &jobRun{jobID: job.ID}
		s.track(run)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.untrack(job.ID)
			s.runJob(run)
		}()
	}
}

// admitNext claims the highest-priority eligible pending job, or nil when
// nothing is dispatchable.
func (s *Service) admitNext(ctx context.Context) *models.BatchJob {
	jobs, err := s.store.NextPendingJobs(ctx, candidateBatch)
	if err != nil {
		slog.Error("failed to list pending jobs", "error", err)
		return nil
	}

	for _, job := range jobs {
		if waiting, err := s.cache.RetryBackoffPending(ctx, job.ID); err != nil {
			slog.Warn("backoff check failed, treating job as eligible", "job_id", job.ID, "error", err)
		} else if waiting {
			continue
		}

		err := s.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
		if errors.Is(err, store.ErrConflict) {
			continue // another dispatcher won the race
		}
		if err != nil {
			slog.Error("failed to admit job", "job_id", job.ID, "error", err)
			continue
		}

		s.appendEvent(ctx, job.ID, models.EventStarted, nil)
		s.cacheStatus(ctx, job.ID, models.JobStatusProcessing)
		slog.Info("job admitted", "job_id", job.ID, "priority", job.Priority, "retry_count", job.RetryCount)
		return job
	}
	return nil
}
