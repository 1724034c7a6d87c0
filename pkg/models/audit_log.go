package models

import (
	"time"

	"github.com/google/uuid"
)

// Analysis modes.
const (
	ModeSimple   = "simple"
	ModeInsights = "insights"
)

// AuditRecord is one governance entry per pipeline run. Created when the
// run starts and finalized exactly once when it ends, success or error.
type AuditRecord struct {
	ID             uuid.UUID        `json:"id"`
	RequestID      string           `json:"request_id"`
	UserID         uuid.UUID        `json:"user_id"`
	ConversationID *uuid.UUID       `json:"conversation_id,omitempty"`
	Mode           string           `json:"mode"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Success        *bool            `json:"success,omitempty"`
	TasksCount     int              `json:"tasks_count"`
	RetriesUsed    int              `json:"retries_used"`
	TablesUsed     []string         `json:"tables_used,omitempty"`
	MetricsUsed    []string         `json:"metrics_used,omitempty"`
	TimingsMs      map[string]int64 `json:"timings_ms,omitempty"`
	RowsReturned   int              `json:"rows_returned"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
}
