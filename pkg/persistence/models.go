package persistence

import (
	"time"

	"conductor/pkg/orchestrator"
)

// OutcomeRecord is one stored terminal outcome.
type OutcomeRecord struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         int64     `json:"id"`
	DurationMS int64     `json:"duration_ms"`
	RequestID  string    `json:"request_id"`
	Strategy   string    `json:"strategy"`
	Kind       string    `json:"kind"`
	Agent      string    `json:"agent,omitempty"`
	Error      string    `json:"error,omitempty"`
	Artifacts  int       `json:"artifacts"`
	Streamed   bool      `json:"streamed"`
}

// NewOutcomeRecord converts an orchestrator outcome into its stored form.
func NewOutcomeRecord(o orchestrator.Outcome) *OutcomeRecord {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	return &OutcomeRecord{
		CreatedAt:  at.UTC(),
		DurationMS: o.Duration.Milliseconds(),
		RequestID:  o.RequestID,
		Strategy:   o.Strategy,
		Kind:       o.Kind,
		Agent:      o.Agent,
		Error:      o.Error,
		Artifacts:  o.Artifacts,
		Streamed:   o.Streamed,
	}
}

// OutcomeStats aggregates the ledger over a window.
type OutcomeStats struct {
	Since         time.Time        `json:"since"`
	ByKind        map[string]int64 `json:"by_kind"`
	ByStrategy    map[string]int64 `json:"by_strategy"`
	Total         int64            `json:"total"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
}

// OutcomeQuery filters RecentOutcomes.
type OutcomeQuery struct {
	Kind  string
	Limit int
}

// DefaultOutcomeLimit caps RecentOutcomes when no limit is given.
const DefaultOutcomeLimit = 50
