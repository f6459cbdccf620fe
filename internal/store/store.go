package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lexivault/lexibatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrConflict signals an optimistic-concurrency loss: the job's persisted
// status no longer matches the expected one. Dispatch loops treat it as
// "someone else got there first" and move on.
var ErrConflict = errors.New("status conflict")

// ValidationError rejects a malformed submission before any rows are created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// Store is the data access interface for jobs and their requests. All
// database operations on the two contended tables go through here; no other
// component mutates job rows directly.
type Store interface {
	Ping(ctx context.Context) error

	// CreateJob atomically inserts a job and its N request rows (all pending).
	// Returns *ValidationError if items is empty or any item lacks word+feature.
	CreateJob(ctx context.Context, job *models.BatchJob, items []*models.JobRequest) error
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	GetJobRequests(ctx context.Context, jobID string) ([]*models.JobRequest, error)
	ListUserJobs(ctx context.Context, userID int64, limit int) ([]*models.BatchJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.BatchJob, error)

	// NextPendingJobs returns up to limit pending jobs in dispatch order:
	// priority rank descending, then created_at ascending (fairness within a tier).
	NextPendingJobs(ctx context.Context, limit int) ([]*models.BatchJob, error)

	// TransitionJob is an atomic compare-and-swap on the job's status.
	// Returns ErrConflict when the persisted status differs from from.
	TransitionJob(ctx context.Context, id string, from, to models.JobStatus) error

	// MarkItemProcessing moves one pending item to processing.
	MarkItemProcessing(ctx context.Context, jobID string, index int) error

	// SettleItem records one item's terminal outcome and atomically advances
	// the job's completed_items counter. Settling an already-settled item is a
	// no-op (AlreadySettled=true) and never double-increments. JobSettled is
	// true only for the call that settled the job's final outstanding item.
	SettleItem(ctx context.Context, jobID string, index int, outcome ItemOutcome) (SettleResult, error)

	// ResetFailedItems flips failed items back to pending for a retry pass and
	// rolls the job's completed_items counter back accordingly.
	ResetFailedItems(ctx context.Context, jobID string) (int, error)

	// ResetProcessingItems flips in-flight items back to pending. Used by
	// crash recovery; the counter is untouched since those items never settled.
	ResetProcessingItems(ctx context.Context, jobID string) (int, error)

	// IncrementRetry bumps retry_count, refusing to exceed max_retries.
	IncrementRetry(ctx context.Context, jobID string) (int, error)

	ItemStatusCounts(ctx context.Context, jobID string) (ItemCounts, error)
	QueueStats(ctx context.Context) (QueueStats, error)

	// DeleteJob removes a job; its requests and events go with it.
	DeleteJob(ctx context.Context, id string) error

	// PurgeCompletedBefore deletes jobs that reached a terminal state before
	// cutoff. Retention policy itself lives outside the engine.
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// DetachUser nullifies the user reference on the user's jobs. Audit
	// history outlives the account.
	DetachUser(ctx context.Context, userID int64) error
}

// ItemOutcome is the terminal state to record for one request.
type ItemOutcome struct {
	Status models.ItemStatus
	Result json.RawMessage
	Error  *models.ItemError
}

// SettleResult reports the job's aggregate counters after a settle call.
type SettleResult struct {
	AlreadySettled bool
	CompletedItems int
	TotalItems     int
	Progress       int
	JobSettled     bool
}

// ItemCounts is a per-status breakdown of one job's requests.
type ItemCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Settled is the number of items in a terminal state.
func (c ItemCounts) Settled() int { return c.Completed + c.Failed }

// QueueStats is a point-in-time count of jobs by status.
type QueueStats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// validTransitions is the single source of truth for job status legality.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
		models.JobStatusPending, // retry re-admission
	},
}

func transitionAllowed(from, to models.JobStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// validateCreate enforces the submission contract shared by all Store
// implementations.
func validateCreate(job *models.BatchJob, items []*models.JobRequest) error {
	if len(items) == 0 {
		return &ValidationError{Reason: "batch contains no items"}
	}
	if job.TotalItems != len(items) {
		return &ValidationError{Reason: fmt.Sprintf("total_items %d does not match item count %d", job.TotalItems, len(items))}
	}
	if job.MaxRetries < 0 {
		return &ValidationError{Reason: "max_retries must be non-negative"}
	}
	for i, it := range items {
		if it.Word == "" {
			return &ValidationError{Reason: fmt.Sprintf("item %d is missing word", i)}
		}
		if it.Feature == "" {
			return &ValidationError{Reason: fmt.Sprintf("item %d is missing feature", i)}
		}
		if it.RequestIndex != i {
			return &ValidationError{Reason: fmt.Sprintf("item %d has request_index %d", i, it.RequestIndex)}
		}
	}
	return nil
}

func validateOutcome(outcome ItemOutcome) error {
	switch outcome.Status {
	case models.ItemStatusCompleted:
		return nil
	case models.ItemStatusFailed:
		if outcome.Error == nil {
			return fmt.Errorf("failed outcome requires error detail")
		}
		return nil
	default:
		return fmt.Errorf("outcome status must be terminal, got %q", outcome.Status)
	}
}
