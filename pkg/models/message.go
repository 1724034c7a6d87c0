package models

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one immutable turn in a conversation. Assistant turns carry
// the run's artifacts in dedicated columns.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	SQLText        *string         `json:"sql_text,omitempty"`
	SQLTasks       []SQLTask       `json:"sql_tasks,omitempty"`
	Tables         []TableArtifact `json:"tables,omitempty"`
	Chart          *ChartSpec      `json:"chart,omitempty"`
	Assumptions    []string        `json:"assumptions,omitempty"`
	FollowUps      []string        `json:"follow_ups,omitempty"`
	Metrics        *RunMetrics     `json:"metrics,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SQLTask is one planned, independently validated and executed unit of SQL
// work within a single user turn.
type SQLTask struct {
	Title  string   `json:"title"`
	SQL    string   `json:"sql"`
	Tables []string `json:"tables,omitempty"`
	Error  *string  `json:"error,omitempty"`
}

// TableArtifact is the tabular result of one executed task.
type TableArtifact struct {
	TaskTitle string   `json:"task_title"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// ChartSpec describes a single recommended visualization. Available is
// false when no executed task produced a chart-eligible shape.
type ChartSpec struct {
	Available bool   `json:"available"`
	ChartType string `json:"chart_type,omitempty"`
	XColumn   string `json:"x_column,omitempty"`
	YColumn   string `json:"y_column,omitempty"`
	Title     string `json:"title,omitempty"`
}

// RunMetrics captures per-run timing and volume counters.
type RunMetrics struct {
	TotalMs        int64 `json:"total_ms"`
	LLMMs          int64 `json:"llm_ms"`
	DBMs           int64 `json:"db_ms"`
	RowsReturned   int   `json:"rows_returned"`
	TokensStreamed int   `json:"tokens_streamed"`
	RetriesUsed    int   `json:"retries_used"`
}
