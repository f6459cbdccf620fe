package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The memory store honors the same contract as the Postgres one; these
// tests cover the invariants without a container.

func TestMemory_CreateJob_DuplicateID(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	dup, dupItems := newJob(1, models.PriorityNormal)
	dup.ID = job.ID
	err := s.CreateJob(ctx, dup, dupItems)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestMemory_CreateJob_NormalizesCounters(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(2, models.PriorityNormal)
	job.CompletedItems = 99
	job.Progress = 99
	job.RetryCount = 99
	require.NoError(t, s.CreateJob(ctx, job, items))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedItems)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, 0, got.RetryCount)
}

func TestMemory_CreateJob_IndexMismatch(t *testing.T) {
	s := store.NewMemoryStore()

	job, items := newJob(2, models.PriorityNormal)
	items[1].RequestIndex = 5
	err := s.CreateJob(context.Background(), job, items)
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMemory_TransitionJob_Conflict(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	require.NoError(t, s.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing))
	err := s.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.TransitionJob(ctx, "batch_0_missing", models.JobStatusPending, models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_SettleItem_ProgressIsFloored(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(3, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	res, err := s.SettleItem(ctx, job.ID, 0, store.ItemOutcome{
		Status: models.ItemStatusCompleted,
		Result: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 33, res.Progress)

	res, err = s.SettleItem(ctx, job.ID, 1, store.ItemOutcome{
		Status: models.ItemStatusCompleted,
		Result: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 66, res.Progress)
	assert.False(t, res.JobSettled)

	res, err = s.SettleItem(ctx, job.ID, 2, store.ItemOutcome{
		Status: models.ItemStatusFailed,
		Error:  &models.ItemError{Code: "BAD_INPUT", Message: "nope"},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Progress)
	assert.True(t, res.JobSettled, "failed items count toward settlement")
}

func TestMemory_SettleItem_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(2, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	outcome := store.ItemOutcome{Status: models.ItemStatusCompleted, Result: json.RawMessage(`{}`)}
	first, err := s.SettleItem(ctx, job.ID, 0, outcome)
	require.NoError(t, err)
	assert.False(t, first.AlreadySettled)

	second, err := s.SettleItem(ctx, job.ID, 0, outcome)
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.Equal(t, first.CompletedItems, second.CompletedItems)
}

func TestMemory_MarkItemProcessing_OnlyFromPending(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	require.NoError(t, s.MarkItemProcessing(ctx, job.ID, 0))
	err := s.MarkItemProcessing(ctx, job.ID, 0)
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.MarkItemProcessing(ctx, job.ID, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_ResetFailedItems(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(3, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	_, err := s.SettleItem(ctx, job.ID, 0, store.ItemOutcome{
		Status: models.ItemStatusFailed,
		Error:  &models.ItemError{Code: "TIMEOUT", Message: "slow", Retryable: true},
	})
	require.NoError(t, err)
	_, err = s.SettleItem(ctx, job.ID, 1, store.ItemOutcome{
		Status: models.ItemStatusCompleted,
		Result: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	n, err := s.ResetFailedItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedItems)
	assert.Equal(t, 33, got.Progress)

	counts, err := s.ItemStatusCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCounts{Pending: 2, Completed: 1}, counts)
}

func TestMemory_ResetProcessingItems_LeavesCounter(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(2, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))
	require.NoError(t, s.MarkItemProcessing(ctx, job.ID, 0))

	n, err := s.ResetProcessingItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedItems, "in-flight items never settled, so the counter is untouched")
}

func TestMemory_NextPendingJobs_Order(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	normal, normalItems := newJob(1, models.PriorityNormal)
	normal.CreatedAt = base
	require.NoError(t, s.CreateJob(ctx, normal, normalItems))

	high, highItems := newJob(1, models.PriorityHigh)
	high.CreatedAt = base.Add(time.Second)
	require.NoError(t, s.CreateJob(ctx, high, highItems))

	jobs, err := s.NextPendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, normal.ID, jobs[1].ID)
}

func TestMemory_GetJob_ReturnsCopy(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	job, items := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, job, items))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	fresh, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, fresh.Status, "callers must not mutate stored state")
}

func TestMemory_DetachUser(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	userID := int64(3)
	job, items := newJob(1, models.PriorityNormal)
	job.UserID = &userID
	require.NoError(t, s.CreateJob(ctx, job, items))

	require.NoError(t, s.DetachUser(ctx, userID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
}

func TestMemory_PurgeCompletedBefore(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	done, doneItems := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, done, doneItems))
	require.NoError(t, s.TransitionJob(ctx, done.ID, models.JobStatusPending, models.JobStatusProcessing))
	require.NoError(t, s.TransitionJob(ctx, done.ID, models.JobStatusProcessing, models.JobStatusCompleted))

	queued, queuedItems := newJob(1, models.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, queued, queuedItems))

	n, err := s.PurgeCompletedBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, queued.ID)
	assert.NoError(t, err)
}
