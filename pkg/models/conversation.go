package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is one chat thread owned by a user. The memory bundle fields
// (Summary, Context, LastSQLIntent) carry context across turns and are
// written at most once per completed pipeline run.
type Conversation struct {
	ID            uuid.UUID      `json:"id"`
	UserID        uuid.UUID      `json:"user_id"`
	Title         *string        `json:"title"`
	Summary       *string        `json:"summary,omitempty"`
	Context       *MemoryContext `json:"context,omitempty"`
	LastSQLIntent *SQLIntent     `json:"last_sql_intent,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MemoryContext is the structured half of the memory bundle: the active
// analytic frame carried between turns.
type MemoryContext struct {
	Metric       string            `json:"metric,omitempty"`
	Dimensions   []string          `json:"dimensions,omitempty"`
	Filters      []Filter          `json:"filters,omitempty"`
	TimeWindow   string            `json:"time_window,omitempty"`
	Grain        string            `json:"grain,omitempty"`
	LastEntities []string          `json:"last_entities,omitempty"`
	Preferences  map[string]string `json:"preferences,omitempty"`
}

// Filter is one column predicate resolved by grounding.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op,omitempty"`
	Value  string `json:"value"`
}

// SQLIntent is a semantic snapshot of the previous primary query, used by
// grounding to resolve follow-up references like "what about the Northeast".
type SQLIntent struct {
	Metric     string      `json:"metric,omitempty"`
	Dimensions []string    `json:"dimensions,omitempty"`
	Filters    []Filter    `json:"filters,omitempty"`
	Tables     []string    `json:"tables,omitempty"`
	Tasks      []string    `json:"tasks,omitempty"`
	Stats      *ResultStat `json:"stats,omitempty"`
}

// ResultStat summarizes the previous run's result set.
type ResultStat struct {
	RowsReturned int  `json:"rows_returned"`
	Truncated    bool `json:"truncated"`
}

// MemoryBundle groups the three persisted memory fields for load/save.
type MemoryBundle struct {
	Summary       string
	Context       *MemoryContext
	LastSQLIntent *SQLIntent
}
