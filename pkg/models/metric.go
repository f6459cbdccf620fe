package models

import "time"

// Metric records one executed AI provider call for cost tracking and
// analytics. Rows are written once and never updated; job control flow
// never reads them. Retried attempts are recorded separately so cost
// accounting stays accurate.
type Metric struct {
	ID           int64     `db:"id"            json:"id"`
	UserID       *int64    `db:"user_id"       json:"user_id,omitempty"`
	Provider     string    `db:"provider"      json:"provider"`
	Feature      string    `db:"feature"       json:"feature"`
	Cost         float64   `db:"cost"          json:"cost"`
	TokensUsed   int       `db:"tokens_used"   json:"tokens_used"`
	ResponseTime int       `db:"response_time" json:"response_time"`
	WasFallback  bool      `db:"was_fallback"  json:"was_fallback"`
	WasCached    bool      `db:"was_cached"    json:"was_cached"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}
