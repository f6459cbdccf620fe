package models

import (
	"encoding/json"
	"time"
)

// EventType classifies entries in a job's append-only event ledger.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventRetry     EventType = "retry"
)

// JobEvent is one entry in a job's history. Events are append-only and
// ordered by created_at with insertion order breaking ties; replaying them
// reconstructs the job's status at any point in time.
type JobEvent struct {
	ID        int64           `db:"id"         json:"id"`
	JobID     string          `db:"job_id"     json:"job_id"`
	EventType EventType       `db:"event_type" json:"event_type"`
	EventData json.RawMessage `db:"event_data" json:"event_data,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
