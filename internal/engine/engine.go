// Package engine is the batch job orchestration core: admission, priority
// dispatch, concurrent item execution, retry with backoff, and the event
// trail that makes every job's history reconstructable.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexivault/lexibatch/internal/cache"
	"github.com/lexivault/lexibatch/internal/config"
	"github.com/lexivault/lexibatch/internal/executor"
	"github.com/lexivault/lexibatch/internal/ledger"
	"github.com/lexivault/lexibatch/internal/metrics"
	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
)

// Service coordinates the batch job lifecycle. It exposes the four outward
// operations (submit, status, events, cancel) plus the housekeeping calls
// the surrounding system needs, and runs the dispatch loop that drives jobs
// through their items.
type Service struct {
	store   store.Store
	ledger  ledger.Ledger
	cache   cache.Cache
	metrics metrics.Collector
	exec    executor.Executor
	cfg     config.EngineConfig

	slots chan struct{} // global job admission limit

	mu      sync.Mutex
	running map[string]*jobRun

	wg sync.WaitGroup
}

// jobRun tracks one admitted job while its pool is active. The cancel flag
// is cooperative: raised flags stop further item dispatch, in-flight items
// finish on their own.
type jobRun struct {
	jobID     string
	cancelled atomic.Bool
}

// NewService wires the engine's collaborators together.
func NewService(st store.Store, lg ledger.Ledger, ca cache.Cache, mc metrics.Collector, ex executor.Executor, cfg config.EngineConfig) *Service {
	return &Service{
		store:   st,
		ledger:  lg,
		cache:   ca,
		metrics: mc,
		exec:    ex,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrentJobs),
		running: make(map[string]*jobRun),
	}
}

// SubmitItem is one enrichment request in a submission.
type SubmitItem struct {
	Word    string          `json:"word"`
	Feature string          `json:"feature"`
	Context json.RawMessage `json:"context,omitempty"`
}

// SubmitOptions carries the optional knobs of a submission.
type SubmitOptions struct {
	Priority   models.Priority
	UserID     *int64
	MaxRetries int // 0 means the default budget, negative disables retries
}

// Submit validates and persists a new batch job with its items, records the
// created event, and returns the job id. The job is picked up by the
// dispatch loop; no processing happens synchronously.
func (s *Service) Submit(ctx context.Context, items []SubmitItem, opts SubmitOptions) (string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	job := &models.BatchJob{
		ID:         models.NewJobID(),
		UserID:     opts.UserID,
		Status:     models.JobStatusPending,
		Priority:   priority,
		TotalItems: len(items),
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}

	reqs := make([]*models.JobRequest, len(items))
	for i, it := range items {
		reqs[i] = &models.JobRequest{
			JobID:        job.ID,
			RequestIndex: i,
			Word:         it.Word,
			Feature:      it.Feature,
			Context:      it.Context,
			Status:       models.ItemStatusPending,
		}
	}

	if err := s.store.CreateJob(ctx, job, reqs); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	s.appendEvent(ctx, job.ID, models.EventCreated, map[string]any{
		"total_items": job.TotalItems,
		"priority":    job.Priority,
	})
	s.cacheStatus(ctx, job.ID, models.JobStatusPending)

	slog.Info("batch job submitted",
		"job_id", job.ID,
		"total_items", job.TotalItems,
		"priority", job.Priority,
	)
	return job.ID, nil
}

// Status returns the job's aggregate state and progress.
func (s *Service) Status(ctx context.Context, jobID string) (*models.BatchJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// QuickStatus answers status-only polls from the cache when possible,
// falling back to the store on a miss.
func (s *Service) QuickStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	if status, ok, err := s.cache.GetJobStatus(ctx, jobID); err == nil && ok {
		return status, nil
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, jobID, job.Status)
	return job.Status, nil
}

// Results returns the job's items with their individual outcomes.
func (s *Service) Results(ctx context.Context, jobID string) ([]*models.JobRequest, error) {
	return s.store.GetJobRequests(ctx, jobID)
}

// Events returns the job's full event history in authoritative order.
func (s *Service) Events(ctx context.Context, jobID string) ([]*models.JobEvent, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.ledger.Replay(ctx, jobID)
}

// UserJobs lists a user's jobs, newest first.
func (s *Service) UserJobs(ctx context.Context, userID int64, limit int) ([]*models.BatchJob, error) {
	return s.store.ListUserJobs(ctx, userID, limit)
}

// QueueStats reports job counts by status.
func (s *Service) QueueStats(ctx context.Context) (store.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// DeleteJob removes a job and, through ownership, its requests and events.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	return s.store.DeleteJob(ctx, jobID)
}

// PurgeBefore deletes terminal jobs older than cutoff. The retention policy
// deciding the cutoff lives outside the engine.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.store.PurgeCompletedBefore(ctx, cutoff)
}

// DetachUser nullifies the user reference on historical jobs and metrics.
func (s *Service) DetachUser(ctx context.Context, userID int64) error {
	return s.store.DetachUser(ctx, userID)
}

// Cancel requests cancellation. A pending job cancels immediately; a
// processing job gets a cooperative signal: in-flight items finish, nothing
// further is dispatched, and the pool finalizes the job as cancelled.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusPending:
		if err := s.store.TransitionJob(ctx, jobID, models.JobStatusPending, models.JobStatusCancelled); err != nil {
			return err
		}
		s.appendEvent(ctx, jobID, models.EventCancelled, map[string]any{
			"completed_items": job.CompletedItems,
		})
		s.cacheStatus(ctx, jobID, models.JobStatusCancelled)
		slog.Info("job cancelled before start", "job_id", jobID)
		return nil

	case models.JobStatusProcessing:
		if err := s.cache.RequestCancel(ctx, jobID, s.cfg.JobStatusTTL); err != nil {
			slog.Warn("failed to flag cancellation in cache", "job_id", jobID, "error", err)
		}
		s.mu.Lock()
		if run, ok := s.running[jobID]; ok {
			run.cancelled.Store(true)
		}
		s.mu.Unlock()
		slog.Info("job cancellation requested", "job_id", jobID)
		return nil

	default:
		return fmt.Errorf("job %s is already %s: %w", jobID, job.Status, store.ErrConflict)
	}
}

// Run recovers interrupted jobs, then drives the dispatch loop until ctx is
// cancelled. On shutdown it stops admitting jobs and waits for the pools of
// already-admitted jobs to drain.
func (s *Service) Run(ctx context.Context) error {
	if err := s.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	slog.Info("engine dispatch loop started",
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"item_workers", s.cfg.ItemWorkers,
		"poll_interval", s.cfg.PollInterval,
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine draining running jobs")
			s.wg.Wait()
			slog.Info("engine stopped")
			return nil
		case <-ticker.C:
			s.dispatchPending(ctx)
		}
	}
}

func (s *Service) track(run *jobRun) {
	s.mu.Lock()
	s.running[run.jobID] = run
	s.mu.Unlock()
}

func (s *Service) untrack(jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

// appendEvent records a ledger entry, logging instead of failing: the
// engine never lets audit plumbing break job control flow.
func (s *Service) appendEvent(ctx context.Context, jobID string, eventType models.EventType, data map[string]any) {
	if err := s.ledger.Append(ctx, jobID, eventType, data); err != nil {
		slog.Error("failed to append job event", "job_id", jobID, "event_type", eventType, "error", err)
	}
}

func (s *Service) cacheStatus(ctx context.Context, jobID string, status models.JobStatus) {
	if err := s.cache.SetJobStatus(ctx, jobID, status, s.cfg.JobStatusTTL); err != nil {
		slog.Warn("failed to cache job status", "job_id", jobID, "error", err)
	}
}
