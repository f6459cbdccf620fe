package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexivault/lexibatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, user_id, status, priority, total_items, completed_items, progress,
	retry_count, max_retries, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.BatchJob, error) {
	var j models.BatchJob
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Priority, &j.TotalItems, &j.CompletedItems,
		&j.Progress, &j.RetryCount, &j.MaxRetries, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.BatchJob, error) {
	defer rows.Close()
	var jobs []*models.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.BatchJob, items []*models.JobRequest) error {
	if err := validateCreate(job, items); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ai_batch_jobs (id, user_id, status, priority, total_items, completed_items, progress,
		                            retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7)`,
		job.ID, job.UserID, job.Status, job.Priority, job.TotalItems, job.MaxRetries, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, it := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO ai_job_requests (job_id, request_index, word, feature, context, status)
			 VALUES ($1, $2, $3, $4, $5, 'pending')`,
			job.ID, it.RequestIndex, it.Word, it.Feature, it.Context)
		if err != nil {
			return fmt.Errorf("insert request %d: %w", it.RequestIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ai_batch_jobs WHERE id = $1`, id))
}

func (s *PostgresStore) GetJobRequests(ctx context.Context, jobID string) ([]*models.JobRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, request_index, word, feature, context, status, result, error, processed_at
		 FROM ai_job_requests WHERE job_id = $1 ORDER BY request_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.JobRequest
	for rows.Next() {
		var r models.JobRequest
		var errJSON []byte
		if err := rows.Scan(&r.ID, &r.JobID, &r.RequestIndex, &r.Word, &r.Feature, &r.Context,
			&r.Status, &r.Result, &errJSON, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan job request: %w", err)
		}
		if len(errJSON) > 0 {
			var ie models.ItemError
			if err := json.Unmarshal(errJSON, &ie); err != nil {
				return nil, fmt.Errorf("decode request error: %w", err)
			}
			r.Error = &ie
		}
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

func (s *PostgresStore) ListUserJobs(ctx context.Context, userID int64, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ai_batch_jobs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ai_batch_jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) NextPendingJobs(ctx context.Context, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}
	// high > normal > low, then submission order within a tier.
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ai_batch_jobs
		 WHERE status = 'pending'
		 ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		          created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("next pending jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to models.JobStatus) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("invalid job status transition: %s -> %s", from, to)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_batch_jobs SET status = $3,
		   started_at   = CASE WHEN $3 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		   completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, NOW())
		                       ELSE completed_at END
		 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ai_batch_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("job %s is not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// --- Items ---

func (s *PostgresStore) MarkItemProcessing(ctx context.Context, jobID string, index int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_job_requests SET status = 'processing'
		 WHERE job_id = $1 AND request_index = $2 AND status = 'pending'`, jobID, index)
	if err != nil {
		return fmt.Errorf("mark item processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s/%d is not pending: %w", jobID, index, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) SettleItem(ctx context.Context, jobID string, index int, outcome ItemOutcome) (SettleResult, error) {
	if err := validateOutcome(outcome); err != nil {
		return SettleResult{}, err
	}

	var errJSON []byte
	if outcome.Error != nil {
		b, err := json.Marshal(outcome.Error)
		if err != nil {
			return SettleResult{}, fmt.Errorf("encode item error: %w", err)
		}
		errJSON = b
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE ai_job_requests SET status = $3, result = $4, error = $5, processed_at = NOW()
		 WHERE job_id = $1 AND request_index = $2 AND status IN ('pending', 'processing')`,
		jobID, index, outcome.Status, outcome.Result, errJSON)
	if err != nil {
		return SettleResult{}, fmt.Errorf("settle item: %w", err)
	}

	var res SettleResult
	if tag.RowsAffected() == 0 {
		// Already terminal (or missing): report current counters without
		// touching completed_items, keeping settlement idempotent.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ai_job_requests WHERE job_id = $1 AND request_index = $2)`,
			jobID, index).Scan(&exists); err != nil {
			return SettleResult{}, fmt.Errorf("check item exists: %w", err)
		}
		if !exists {
			return SettleResult{}, ErrNotFound
		}
		res.AlreadySettled = true
		err = tx.QueryRow(ctx,
			`SELECT completed_items, total_items, progress FROM ai_batch_jobs WHERE id = $1`, jobID).
			Scan(&res.CompletedItems, &res.TotalItems, &res.Progress)
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE ai_batch_jobs SET completed_items = completed_items + 1,
			   progress = ((completed_items + 1) * 100) / total_items
			 WHERE id = $1
			 RETURNING completed_items, total_items, progress`, jobID).
			Scan(&res.CompletedItems, &res.TotalItems, &res.Progress)
		res.JobSettled = res.CompletedItems == res.TotalItems
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return SettleResult{}, ErrNotFound
	}
	if err != nil {
		return SettleResult{}, fmt.Errorf("advance job counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("commit settle: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) ResetFailedItems(ctx context.Context, jobID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reset failed items: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE ai_job_requests SET status = 'pending', error = NULL, processed_at = NULL
		 WHERE job_id = $1 AND status = 'failed'`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	n := int(tag.RowsAffected())

	if n > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE ai_batch_jobs SET completed_items = completed_items - $2,
			   progress = ((completed_items - $2) * 100) / total_items
			 WHERE id = $1`, jobID, n)
		if err != nil {
			return 0, fmt.Errorf("roll back job counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reset failed items: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ResetProcessingItems(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_job_requests SET status = 'pending'
		 WHERE job_id = $1 AND status = 'processing'`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset processing items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE ai_batch_jobs SET retry_count = retry_count + 1
		 WHERE id = $1 AND retry_count < max_retries
		 RETURNING retry_count`, jobID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ai_batch_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("retry budget exhausted for job %s: %w", jobID, ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ItemStatusCounts(ctx context.Context, jobID string) (ItemCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ai_job_requests WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return ItemCounts{}, fmt.Errorf("item status counts: %w", err)
	}
	defer rows.Close()

	var c ItemCounts
	for rows.Next() {
		var status models.ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ItemCounts{}, fmt.Errorf("scan item count: %w", err)
		}
		switch status {
		case models.ItemStatusPending:
			c.Pending = n
		case models.ItemStatusProcessing:
			c.Processing = n
		case models.ItemStatusCompleted:
			c.Completed = n
		case models.ItemStatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (s *PostgresStore) QueueStats(ctx context.Context) (QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ai_batch_jobs GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st QueueStats
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, fmt.Errorf("scan queue stat: %w", err)
		}
		st.Total += n
		switch status {
		case models.JobStatusPending:
			st.Pending = n
		case models.JobStatusProcessing:
			st.Processing = n
		case models.JobStatusCompleted:
			st.Completed = n
		case models.JobStatusFailed:
			st.Failed = n
		case models.JobStatusCancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// --- Deletion and cleanup ---

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	// Requests and events go with the job via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_batch_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ai_batch_jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DetachUser(ctx context.Context, userID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin detach user: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE ai_batch_jobs SET user_id = NULL WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("detach user from jobs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ai_metrics SET user_id = NULL WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("detach user from metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit detach user: %w", err)
	}
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
