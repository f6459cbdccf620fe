package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lexivault/lexibatch/internal/cache"
	"github.com/lexivault/lexibatch/internal/config"
	"github.com/lexivault/lexibatch/internal/executor"
	"github.com/lexivault/lexibatch/internal/executor/mock"
	"github.com/lexivault/lexibatch/internal/ledger"
	"github.com/lexivault/lexibatch/internal/metrics"
	"github.com/lexivault/lexibatch/internal/store"
	"github.com/lexivault/lexibatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness bundles a Service with its in-memory collaborators so tests can
// inspect state the engine normally keeps behind interfaces.
type harness struct {
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	cache   *cache.MemoryCache
	metrics *metrics.MemoryCollector
	svc     *Service
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentJobs: 2,
		ItemWorkers:       3,
		PollInterval:      10 * time.Millisecond,
		ItemTimeout:       time.Second,
		RetryBackoffBase:  time.Millisecond,
		RetryBackoffMax:   8 * time.Millisecond,
		JobStatusTTL:      time.Minute,
	}
}

func newHarness(ex executor.Executor, cfg config.EngineConfig) *harness {
	h := &harness{
		store:   store.NewMemoryStore(),
		ledger:  ledger.NewMemoryLedger(),
		cache:   cache.NewMemoryCache(),
		metrics: metrics.NewMemoryCollector(),
	}
	h.svc = NewService(h.store, h.ledger, h.cache, h.metrics, ex, cfg)
	return h
}

func submitWords(t *testing.T, h *harness, opts SubmitOptions, words ...string) string {
	t.Helper()
	items := make([]SubmitItem, len(words))
	for i, w := range words {
		items[i] = SubmitItem{Word: w, Feature: models.FeatureContextDefinition}
	}
	jobID, err := h.svc.Submit(context.Background(), items, opts)
	require.NoError(t, err)
	return jobID
}

// driveUntil repeatedly runs admission passes until the job reaches want.
// Retried jobs sit behind a short backoff, so the loop keeps polling.
func driveUntil(t *testing.T, h *harness, jobID string, want models.JobStatus) *models.BatchJob {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.svc.dispatchPending(ctx)
		job, err := h.svc.Status(ctx, jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func eventTypes(t *testing.T, h *harness, jobID string) []models.EventType {
	t.Helper()
	events, err := h.svc.Events(context.Background(), jobID)
	require.NoError(t, err)
	types := make([]models.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func countEvents(types []models.EventType, want models.EventType) int {
	n := 0
	for _, et := range types {
		if et == want {
			n++
		}
	}
	return n
}

// countingExecutor records how many times each word was executed and fails
// transiently for the words in failWords, forever.
type countingExecutor struct {
	mu        sync.Mutex
	counts    map[string]int
	failWords map[string]bool
}

func newCountingExecutor(failWords ...string) *countingExecutor {
	fw := make(map[string]bool, len(failWords))
	for _, w := range failWords {
		fw[w] = true
	}
	return &countingExecutor{counts: make(map[string]int), failWords: fw}
}

func (e *countingExecutor) Name() string { return "mock-counting" }

func (e *countingExecutor) Execute(_ context.Context, req executor.Request) (executor.Result, error) {
	e.mu.Lock()
	e.counts[req.Word]++
	e.mu.Unlock()
	if e.failWords[req.Word] {
		return executor.Result{}, executor.Transient("RATE_LIMITED", "simulated outage")
	}
	return executor.Result{Payload: json.RawMessage(`{"ok":true}`), Cost: 0.0001, TokensUsed: 10}, nil
}

func (e *countingExecutor) executions(word string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[word]
}

// --- Submission ---

func TestSubmit_AppliesDefaults(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta")

	job, err := h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.PriorityNormal, job.Priority)
	assert.Equal(t, models.DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, 2, job.TotalItems)

	assert.Equal(t, []models.EventType{models.EventCreated}, eventTypes(t, h, jobID))

	status, found, err := h.cache.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStatusPending, status)
}

func TestSubmit_RejectsEmptyBatch(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())

	_, err := h.svc.Submit(context.Background(), nil, SubmitOptions{})
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// --- Happy path ---

func TestJob_RunsToCompletion(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta", "gamma")
	job := driveUntil(t, h, jobID, models.JobStatusCompleted)

	assert.Equal(t, 3, job.CompletedItems)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 0, job.RetryCount)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	results, err := h.svc.Results(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, models.ItemStatusCompleted, r.Status)
		assert.True(t, json.Valid(r.Result))
		assert.Nil(t, r.Error)
	}

	types := eventTypes(t, h, jobID)
	assert.Equal(t, models.EventCreated, types[0])
	assert.Equal(t, models.EventStarted, types[1])
	assert.Equal(t, 3, countEvents(types, models.EventProgress))
	assert.Equal(t, models.EventCompleted, types[len(types)-1])

	// Replaying the history lands on the same status the aggregate holds.
	events, err := h.svc.Events(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, ledger.StatusFromEvents(events))

	assert.Len(t, h.metrics.Recorded(), 3, "one metric per executed call")

	status, err := h.svc.QuickStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)
}

// --- Priority scheduling ---

func TestDispatch_HighPriorityAdmittedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	h := newHarness(mock.New("mock", 30*time.Millisecond), cfg)
	ctx := context.Background()

	normalID := submitWords(t, h, SubmitOptions{Priority: models.PriorityNormal}, "alpha", "beta", "gamma")
	highID := submitWords(t, h, SubmitOptions{Priority: models.PriorityHigh}, "delta", "epsilon", "zeta")

	h.svc.dispatchPending(ctx)

	// The lone slot goes to the high job despite it being submitted later.
	normal, err := h.svc.Status(ctx, normalID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, normal.Status)

	high, err := h.svc.Status(ctx, highID)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusPending, high.Status)

	driveUntil(t, h, highID, models.JobStatusCompleted)
	driveUntil(t, h, normalID, models.JobStatusCompleted)
}

// --- Retry ---

func TestRetry_OnlyFailedItemsRerun(t *testing.T) {
	ex := newCountingExecutor("alpha", "beta", "delta")
	h := newHarness(ex, testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta", "gamma", "delta")
	job := driveUntil(t, h, jobID, models.JobStatusFailed)

	assert.Equal(t, models.DefaultMaxRetries, job.RetryCount)
	assert.Equal(t, 4, job.CompletedItems, "failed items still settle")
	assert.Equal(t, 100, job.Progress)

	// The healthy item ran once; the failing ones ran on every attempt.
	assert.Equal(t, 1, ex.executions("gamma"))
	assert.Equal(t, 1+models.DefaultMaxRetries, ex.executions("alpha"))
	assert.Equal(t, 1+models.DefaultMaxRetries, ex.executions("beta"))
	assert.Equal(t, 1+models.DefaultMaxRetries, ex.executions("delta"))

	results, err := h.svc.Results(ctx, jobID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Word == "gamma" {
			assert.Equal(t, models.ItemStatusCompleted, r.Status)
			continue
		}
		assert.Equal(t, models.ItemStatusFailed, r.Status)
		require.NotNil(t, r.Error)
		assert.Equal(t, "RATE_LIMITED", r.Error.Code)
		assert.True(t, r.Error.Retryable)
	}

	types := eventTypes(t, h, jobID)
	assert.Equal(t, models.DefaultMaxRetries, countEvents(types, models.EventRetry))
	assert.Equal(t, models.EventFailed, types[len(types)-1])

	events, err := h.svc.Events(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, ledger.StatusFromEvents(events))
}

func TestRetry_FlakyItemsRecover(t *testing.T) {
	h := newHarness(mock.NewFlaky(1), testConfig())

	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta", "gamma")
	job := driveUntil(t, h, jobID, models.JobStatusCompleted)

	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 100, job.Progress)

	types := eventTypes(t, h, jobID)
	assert.Equal(t, 1, countEvents(types, models.EventRetry))
	assert.Equal(t, models.EventCompleted, types[len(types)-1])
}

func TestRetry_BudgetZeroFailsImmediately(t *testing.T) {
	h := newHarness(mock.NewFailing(executor.Transient("RATE_LIMITED", "down")), testConfig())

	jobID := submitWords(t, h, SubmitOptions{MaxRetries: -1}, "alpha")
	_ = driveUntil(t, h, jobID, models.JobStatusFailed)

	types := eventTypes(t, h, jobID)
	assert.Zero(t, countEvents(types, models.EventRetry))
}

// --- Timeout ---

func TestTimeout_SettlesAsTransientFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ItemTimeout = 20 * time.Millisecond
	h := newHarness(mock.NewTimeout(), cfg)
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{MaxRetries: 1}, "alpha")
	_ = driveUntil(t, h, jobID, models.JobStatusFailed)

	results, err := h.svc.Results(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "TIMEOUT", results[0].Error.Code)
	assert.True(t, results[0].Error.Retryable)
}

// --- Cancellation ---

func TestCancel_PendingJobCancelsImmediately(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta")
	require.NoError(t, h.svc.Cancel(ctx, jobID))

	job, err := h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, job.CompletedItems)

	counts, err := h.store.ItemStatusCounts(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending, "no item work happened")

	types := eventTypes(t, h, jobID)
	assert.Equal(t, models.EventCancelled, types[len(types)-1])

	// A cancelled job never gets admitted.
	h.svc.dispatchPending(ctx)
	job, err = h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestCancel_TerminalJobIsConflict(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha")
	driveUntil(t, h, jobID, models.JobStatusCompleted)

	err := h.svc.Cancel(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCancel_ProcessingJobStopsDispatchKeepsSettled(t *testing.T) {
	cfg := testConfig()
	cfg.ItemWorkers = 1
	h := newHarness(mock.New("mock", 30*time.Millisecond), cfg)
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "a", "b", "c", "d", "e", "f")
	h.svc.dispatchPending(ctx)

	// Wait for the first item to settle, then raise the flag.
	require.Eventually(t, func() bool {
		counts, err := h.store.ItemStatusCounts(ctx, jobID)
		return err == nil && counts.Settled() >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.Cancel(ctx, jobID))

	job := driveUntil(t, h, jobID, models.JobStatusCancelled)
	assert.NotNil(t, job.CompletedAt)

	counts, err := h.store.ItemStatusCounts(ctx, jobID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.Completed, 1, "settled items keep their outcome")
	assert.GreaterOrEqual(t, counts.Pending, 1, "undispatched items stay pending")
	assert.Zero(t, counts.Processing)

	flagged, err := h.cache.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, flagged, "the cancel flag is cleared once honored")

	types := eventTypes(t, h, jobID)
	assert.Equal(t, models.EventCancelled, types[len(types)-1])
}

// --- Crash recovery ---

func TestRecovery_RequeuesInterruptedJob(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	// A job left mid-flight by a crash: aggregate processing, one item
	// in flight, no terminal event in the ledger.
	jobID := submitWords(t, h, SubmitOptions{}, "alpha", "beta")
	require.NoError(t, h.store.TransitionJob(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing))
	require.NoError(t, h.store.MarkItemProcessing(ctx, jobID, 0))
	require.NoError(t, h.ledger.Append(ctx, jobID, models.EventStarted, nil))

	require.NoError(t, h.svc.recoverInterrupted(ctx))

	job, err := h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	counts, err := h.store.ItemStatusCounts(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
	assert.Zero(t, counts.Processing)

	// The recovered job runs to completion like any other.
	driveUntil(t, h, jobID, models.JobStatusCompleted)
}

func TestRecovery_RepairsAggregateFromLedger(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	// The ledger saw the job finish but the aggregate update was lost.
	jobID := submitWords(t, h, SubmitOptions{}, "alpha")
	require.NoError(t, h.store.TransitionJob(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing))
	require.NoError(t, h.ledger.Append(ctx, jobID, models.EventStarted, nil))
	require.NoError(t, h.ledger.Append(ctx, jobID, models.EventCompleted, nil))

	require.NoError(t, h.svc.recoverInterrupted(ctx))

	job, err := h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

// --- Backoff ---

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoffBase = 2 * time.Second
	cfg.RetryBackoffMax = 2 * time.Minute
	h := newHarness(mock.New("mock", 0), cfg)

	assert.Equal(t, 2*time.Second, h.svc.backoffDelay(0))
	assert.Equal(t, 4*time.Second, h.svc.backoffDelay(1))
	assert.Equal(t, 8*time.Second, h.svc.backoffDelay(2))
	assert.Equal(t, 2*time.Minute, h.svc.backoffDelay(10))
}

func TestDispatch_SkipsJobsInBackoff(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()

	jobID := submitWords(t, h, SubmitOptions{}, "alpha")
	require.NoError(t, h.cache.SetRetryBackoff(ctx, jobID, time.Minute))

	h.svc.dispatchPending(ctx)

	job, err := h.svc.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status, "jobs wait out their backoff window")
}

// --- Lookups ---

func TestEvents_UnknownJob(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())

	_, err := h.svc.Events(context.Background(), "batch_0_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserJobs_NewestFirst(t *testing.T) {
	h := newHarness(mock.New("mock", 0), testConfig())
	ctx := context.Background()
	userID := int64(9)

	first := submitWords(t, h, SubmitOptions{UserID: &userID}, "alpha")
	time.Sleep(2 * time.Millisecond)
	second := submitWords(t, h, SubmitOptions{UserID: &userID}, "beta")
	submitWords(t, h, SubmitOptions{}, "gamma") // anonymous, not listed

	jobs, err := h.svc.UserJobs(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second, jobs[0].ID)
	assert.Equal(t, first, jobs[1].ID)
}
