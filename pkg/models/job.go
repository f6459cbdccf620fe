// Package models contains the persisted entities shared across the lexibatch codebase.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the aggregate lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority is the coarse scheduling class of a job. It governs queue
// order, never preemption of running jobs.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to its scheduling weight; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// DefaultMaxRetries is applied when a submission does not specify a retry budget.
const DefaultMaxRetries = 3

// BatchJob is one submitted unit of work containing N ordered enrichment
// requests. completed_items counts settled (completed or failed) requests;
// progress is always floor(100*completed_items/total_items).
type BatchJob struct {
	ID             string     `db:"id"              json:"id"`
	UserID         *int64     `db:"user_id"         json:"user_id,omitempty"`
	Status         JobStatus  `db:"status"          json:"status"`
	Priority       Priority   `db:"priority"        json:"priority"`
	TotalItems     int        `db:"total_items"     json:"total_items"`
	CompletedItems int        `db:"completed_items" json:"completed_items"`
	Progress       int        `db:"progress"        json:"progress"`
	RetryCount     int        `db:"retry_count"     json:"retry_count"`
	MaxRetries     int        `db:"max_retries"     json:"max_retries"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	StartedAt      *time.Time `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
}

// NewJobID generates an opaque batch job identifier. The format matches
// what downstream collaborators already parse: batch_<unix-millis>_<suffix>.
func NewJobID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
