package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lexivault/lexibatch/pkg/models"
)

// MemoryStore is a fully in-memory implementation of Store. Safe for
// concurrent access. Intended for unit testing and local development; it
// enforces the same validation and transition rules as PostgresStore.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.BatchJob
	items map[string][]*models.JobRequest // keyed by job id, ordered by request_index
}

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.BatchJob),
		items: make(map[string][]*models.JobRequest),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func copyJob(j *models.BatchJob) *models.BatchJob {
	cp := *j
	return &cp
}

func copyRequest(r *models.JobRequest) *models.JobRequest {
	cp := *r
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.BatchJob, items []*models.JobRequest) error {
	if err := validateCreate(job, items); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists: %w", job.ID, ErrConflict)
	}

	stored := copyJob(job)
	stored.Status = models.JobStatusPending
	stored.CompletedItems = 0
	stored.Progress = 0
	stored.RetryCount = 0
	m.jobs[job.ID] = stored

	reqs := make([]*models.JobRequest, len(items))
	for i, it := range items {
		r := copyRequest(it)
		r.ID = int64(i + 1)
		r.JobID = job.ID
		r.Status = models.ItemStatusPending
		reqs[i] = r
	}
	m.items[job.ID] = reqs
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) GetJobRequests(_ context.Context, jobID string) ([]*models.JobRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reqs, ok := m.items[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.JobRequest, len(reqs))
	for i, r := range reqs {
		out[i] = copyRequest(r)
	}
	return out, nil
}

func (m *MemoryStore) ListUserJobs(_ context.Context, userID int64, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.BatchJob
	for _, j := range m.jobs {
		if j.UserID != nil && *j.UserID == userID {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.BatchJob
	for _, j := range m.jobs {
		if j.Status == status {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

func (m *MemoryStore) NextPendingJobs(_ context.Context, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.BatchJob
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if ra, rb := jobs[a].Priority.Rank(), jobs[b].Priority.Rank(); ra != rb {
			return ra > rb
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) TransitionJob(_ context.Context, id string, from, to models.JobStatus) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("invalid job status transition: %s -> %s", from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != from {
		return fmt.Errorf("job %s is not %s: %w", id, from, ErrConflict)
	}

	now := time.Now().UTC()
	j.Status = to
	if to == models.JobStatusProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) findItem(jobID string, index int) (*models.JobRequest, error) {
	reqs, ok := m.items[jobID]
	if !ok || index < 0 || index >= len(reqs) {
		return nil, ErrNotFound
	}
	return reqs[index], nil
}

func (m *MemoryStore) MarkItemProcessing(_ context.Context, jobID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.findItem(jobID, index)
	if err != nil {
		return err
	}
	if r.Status != models.ItemStatusPending {
		return fmt.Errorf("item %s/%d is not pending: %w", jobID, index, ErrConflict)
	}
	r.Status = models.ItemStatusProcessing
	return nil
}

func (m *MemoryStore) SettleItem(_ context.Context, jobID string, index int, outcome ItemOutcome) (SettleResult, error) {
	if err := validateOutcome(outcome); err != nil {
		return SettleResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return SettleResult{}, ErrNotFound
	}
	r, err := m.findItem(jobID, index)
	if err != nil {
		return SettleResult{}, err
	}

	if r.Status.Terminal() {
		return SettleResult{
			AlreadySettled: true,
			CompletedItems: j.CompletedItems,
			TotalItems:     j.TotalItems,
			Progress:       j.Progress,
		}, nil
	}

	now := time.Now().UTC()
	r.Status = outcome.Status
	r.Result = append(json.RawMessage(nil), outcome.Result...)
	if outcome.Error != nil {
		e := *outcome.Error
		r.Error = &e
	} else {
		r.Error = nil
	}
	r.ProcessedAt = &now

	j.CompletedItems++
	j.Progress = j.CompletedItems * 100 / j.TotalItems

	return SettleResult{
		CompletedItems: j.CompletedItems,
		TotalItems:     j.TotalItems,
		Progress:       j.Progress,
		JobSettled:     j.CompletedItems == j.TotalItems,
	}, nil
}

func (m *MemoryStore) ResetFailedItems(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return 0, ErrNotFound
	}

	n := 0
	for _, r := range m.items[jobID] {
		if r.Status == models.ItemStatusFailed {
			r.Status = models.ItemStatusPending
			r.Error = nil
			r.ProcessedAt = nil
			n++
		}
	}
	if n > 0 {
		j.CompletedItems -= n
		j.Progress = j.CompletedItems * 100 / j.TotalItems
	}
	return n, nil
}

func (m *MemoryStore) ResetProcessingItems(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return 0, ErrNotFound
	}
	n := 0
	for _, r := range m.items[jobID] {
		if r.Status == models.ItemStatusProcessing {
			r.Status = models.ItemStatusPending
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IncrementRetry(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return 0, ErrNotFound
	}
	if j.RetryCount >= j.MaxRetries {
		return 0, fmt.Errorf("retry budget exhausted for job %s: %w", jobID, ErrConflict)
	}
	j.RetryCount++
	return j.RetryCount, nil
}

func (m *MemoryStore) ItemStatusCounts(_ context.Context, jobID string) (ItemCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reqs, ok := m.items[jobID]
	if !ok {
		return ItemCounts{}, ErrNotFound
	}
	var c ItemCounts
	for _, r := range reqs {
		switch r.Status {
		case models.ItemStatusPending:
			c.Pending++
		case models.ItemStatusProcessing:
			c.Processing++
		case models.ItemStatusCompleted:
			c.Completed++
		case models.ItemStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *MemoryStore) QueueStats(_ context.Context) (QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st QueueStats
	for _, j := range m.jobs {
		st.Total++
		switch j.Status {
		case models.JobStatusPending:
			st.Pending++
		case models.JobStatusProcessing:
			st.Processing++
		case models.JobStatusCompleted:
			st.Completed++
		case models.JobStatusFailed:
			st.Failed++
		case models.JobStatusCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) PurgeCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DetachUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UserID != nil && *j.UserID == userID {
			j.UserID = nil
		}
	}
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
