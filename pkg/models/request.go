package models

import (
	"encoding/json"
	"time"
)

// ItemStatus is the lifecycle state of a single enrichment request within a job.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the item has settled.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// Enrichment feature identifiers understood by the AI layer. The set is
// open-ended; submissions may carry features not listed here.
const (
	FeatureContextDefinition  = "context_definition"
	FeatureSmartSummary       = "smart_summary"
	FeatureUsageExamples      = "usage_examples"
	FeatureEtymology          = "etymology"
	FeatureDifficultyLevel    = "difficulty_level"
	FeatureRelatedConcepts    = "related_concepts"
	FeatureTranslationContext = "translation_context"
)

// JobRequest is one atomic unit of AI work within a job: one word+feature
// pair at a fixed position. RequestIndex is 0-based and unique within the job.
type JobRequest struct {
	ID           int64           `db:"id"            json:"id"`
	JobID        string          `db:"job_id"        json:"job_id"`
	RequestIndex int             `db:"request_index" json:"request_index"`
	Word         string          `db:"word"          json:"word"`
	Feature      string          `db:"feature"       json:"feature"`
	Context      json.RawMessage `db:"context"       json:"context,omitempty"`
	Status       ItemStatus      `db:"status"        json:"status"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	Error        *ItemError      `db:"error"         json:"error,omitempty"`
	ProcessedAt  *time.Time      `db:"processed_at"  json:"processed_at,omitempty"`
}

// ItemError is the structured failure detail stored on a failed request.
type ItemError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ItemError) Error() string {
	return e.Code + ": " + e.Message
}
