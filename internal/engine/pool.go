package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexivault/lexibatch/internal/executor"
	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
)

// runJob processes one admitted job's pending items on a bounded worker
// pool and finalizes the aggregate once the last item settles. It runs on a
// background context so an engine shutdown drains in-flight items instead
// of aborting them; per-item timeouts bound how long that can take.
func (s *Service) runJob(run *jobRun) {
	ctx := context.Background()
	jobID := run.jobID

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("failed to load admitted job", "job_id", jobID, "error", err)
		return
	}

	reqs, err := s.store.GetJobRequests(ctx, jobID)
	if err != nil {
		slog.Error("failed to load job items", "job_id", jobID, "error", err)
		return
	}

	var settled atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ItemWorkers)

	for _, req := range reqs {
		if req.Status != models.ItemStatusPending {
			continue // settled in an earlier attempt; retries are item-granular
		}
		if s.cancelRequested(ctx, run) {
			break // stop dispatching; in-flight items finish below
		}
		req := req
		g.Go(func() error {
			s.processItem(ctx, job, req, &settled)
			return nil
		})
	}
	_ = g.Wait()

	s.finalize(ctx, run, job, settled.Load())
}

// processItem executes one request end to end: mark processing, invoke the
// executor under the item timeout, record telemetry, settle, and emit the
// progress event. One item's failure never touches its siblings.
func (s *Service) processItem(ctx context.Context, job *models.BatchJob, req *models.JobRequest, settled *atomic.Bool) {
	if err := s.store.MarkItemProcessing(ctx, job.ID, req.RequestIndex); err != nil {
		// Conflict means the item is not pending anymore; nothing to do.
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("failed to mark item processing", "job_id", job.ID, "request_index", req.RequestIndex, "error", err)
		}
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	start := time.Now()
	result, execErr := s.exec.Execute(execCtx, executor.Request{
		Word:    req.Word,
		Feature: req.Feature,
		Context: req.Context,
	})
	cancel()
	elapsed := time.Since(start)

	s.recordMetric(ctx, job, req, result, elapsed)

	var outcome store.ItemOutcome
	if execErr != nil {
		outcome = store.ItemOutcome{
			Status: models.ItemStatusFailed,
			Error:  toItemError(execErr),
		}
		slog.Warn("item execution failed",
			"job_id", job.ID,
			"request_index", req.RequestIndex,
			"word", req.Word,
			"error", execErr,
			"retryable", outcome.Error.Retryable,
		)
	} else {
		outcome = store.ItemOutcome{
			Status: models.ItemStatusCompleted,
			Result: result.Payload,
		}
	}

	settleRes, err := s.store.SettleItem(ctx, job.ID, req.RequestIndex, outcome)
	if err != nil {
		slog.Error("failed to settle item", "job_id", job.ID, "request_index", req.RequestIndex, "error", err)
		return
	}
	if settleRes.AlreadySettled {
		return
	}

	s.appendEvent(ctx, job.ID, models.EventProgress, map[string]any{
		"progress":        settleRes.Progress,
		"completed_items": settleRes.CompletedItems,
		"total_items":     settleRes.TotalItems,
		"request_index":   req.RequestIndex,
		"item_status":     outcome.Status,
	})

	if settleRes.JobSettled {
		settled.Store(true)
	}
}

// recordMetric is fire-and-forget; telemetry never fails the owning item.
func (s *Service) recordMetric(ctx context.Context, job *models.BatchJob, req *models.JobRequest, result executor.Result, elapsed time.Duration) {
	m := models.Metric{
		UserID:       job.UserID,
		Provider:     s.exec.Name(),
		Feature:      req.Feature,
		Cost:         result.Cost,
		TokensUsed:   result.TokensUsed,
		ResponseTime: int(elapsed.Milliseconds()),
		WasFallback:  result.Fallback,
		WasCached:    result.Cached,
	}
	if err := s.metrics.Record(ctx, m); err != nil {
		slog.Warn("failed to record metric", "job_id", job.ID, "request_index", req.RequestIndex, "error", err)
	}
}

// finalize computes the job's terminal state once its item pass is over.
// Cancellation wins over everything else; otherwise a clean pass completes
// the job, and a pass with failures either goes to the retry path or, with
// the budget spent, fails for good.
func (s *Service) finalize(ctx context.Context, run *jobRun, job *models.BatchJob, settled bool) {
	if s.cancelRequested(ctx, run) {
		if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusCancelled); err != nil {
			slog.Error("failed to cancel job", "job_id", job.ID, "error", err)
			return
		}
		counts, _ := s.store.ItemStatusCounts(ctx, job.ID)
		s.appendEvent(ctx, job.ID, models.EventCancelled, map[string]any{
			"completed_items": counts.Completed,
			"failed_items":    counts.Failed,
			"unprocessed":     counts.Pending + counts.Processing,
		})
		s.cacheStatus(ctx, job.ID, models.JobStatusCancelled)
		if err := s.cache.ClearCancel(ctx, job.ID); err != nil {
			slog.Warn("failed to clear cancel flag", "job_id", job.ID, "error", err)
		}
		slog.Info("job cancelled", "job_id", job.ID)
		return
	}

	counts, err := s.store.ItemStatusCounts(ctx, job.ID)
	if err != nil {
		slog.Error("failed to count job items", "job_id", job.ID, "error", err)
		return
	}
	if !settled && counts.Settled() != job.TotalItems {
		// Items still outstanding without a cancel signal: leave the job
		// processing for recovery to pick up rather than guess a verdict.
		slog.Error("job pool drained with unsettled items",
			"job_id", job.ID, "settled", counts.Settled(), "total", job.TotalItems)
		return
	}

	switch {
	case counts.Failed == 0:
		if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusCompleted); err != nil {
			slog.Error("failed to complete job", "job_id", job.ID, "error", err)
			return
		}
		s.appendEvent(ctx, job.ID, models.EventCompleted, map[string]any{
			"success_count": counts.Completed,
			"failure_count": 0,
		})
		s.cacheStatus(ctx, job.ID, models.JobStatusCompleted)
		slog.Info("job completed", "job_id", job.ID, "items", counts.Completed)

	case job.RetryCount < job.MaxRetries:
		s.scheduleRetry(ctx, job, counts)

	default:
		if err := s.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing, models.JobStatusFailed); err != nil {
			slog.Error("failed to fail job", "job_id", job.ID, "error", err)
			return
		}
		s.appendEvent(ctx, job.ID, models.EventFailed, map[string]any{
			"success_count": counts.Completed,
			"failure_count": counts.Failed,
			"retry_count":   job.RetryCount,
		})
		s.cacheStatus(ctx, job.ID, models.JobStatusFailed)
		slog.Warn("job failed permanently", "job_id", job.ID, "failed_items", counts.Failed, "retry_count", job.RetryCount)
	}
}

// cancelRequested checks both the in-process flag and the shared cache flag.
func (s *Service) cancelRequested(ctx context.Context, run *jobRun) bool {
	if run.cancelled.Load() {
		return true
	}
	flagged, err := s.cache.CancelRequested(ctx, run.jobID)
	if err != nil {
		slog.Warn("cancel flag check failed", "job_id", run.jobID, "error", err)
		return false
	}
	if flagged {
		run.cancelled.Store(true)
	}
	return flagged
}

// toItemError maps an execution failure to the structured detail stored on
// the item. Timeouts are transient: the provider never ruled on the input.
func toItemError(err error) *models.ItemError {
	var ee *executor.Error
	if errors.As(err, &ee) {
		return &models.ItemError{Code: ee.Code, Message: ee.Message, Retryable: ee.Retryable()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.ItemError{Code: "TIMEOUT", Message: "item execution exceeded timeout", Retryable: true}
	}
	return &models.ItemError{Code: "PROVIDER_ERROR", Message: err.Error(), Retryable: executor.IsTransient(err)}
}
