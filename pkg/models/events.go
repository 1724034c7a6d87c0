package models

// EventKind identifies one kind of streamed pipeline event. The contract is
// transport-agnostic; SSE is one rendering of it.
type EventKind string

const (
	EventRequestID     EventKind = "request_id"
	EventSession       EventKind = "session"
	EventStatus        EventKind = "status"
	EventToken         EventKind = "token"
	EventArtifactSQL   EventKind = "artifact_sql"
	EventArtifactTable EventKind = "artifact_table"
	EventArtifactChart EventKind = "artifact_chart"
	EventAnswerMeta    EventKind = "answer_meta"
	EventRetry         EventKind = "retry"
	EventMetrics       EventKind = "metrics"
	EventAudit         EventKind = "audit"
	EventComplete      EventKind = "complete"
	EventError         EventKind = "error"
)

// Event is one ordered entry on a run's outbound event channel.
type Event struct {
	Kind EventKind `json:"type"`
	Data any       `json:"data"`
}

// RequestIDPayload announces the run's request identifier.
type RequestIDPayload struct {
	RequestID string `json:"request_id"`
}

// SessionPayload announces the conversation the run is bound to.
type SessionPayload struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
}

// StatusPayload marks entry into a pipeline stage.
type StatusPayload struct {
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
}

// TokenPayload is one order-preserving chunk of the streamed answer.
type TokenPayload struct {
	Text string `json:"text"`
}

// ArtifactSQLPayload carries the planned tasks with their final SQL.
type ArtifactSQLPayload struct {
	Tasks []SQLTask `json:"tasks"`
}

// AnswerMetaPayload carries assumptions and follow-up suggestions emitted
// before the answer tokens stream.
type AnswerMetaPayload struct {
	Assumptions []string `json:"assumptions"`
	FollowUps   []string `json:"follow_ups"`
}

// Retry event types.
const (
	RetryTypeValidator = "validator"
	RetryTypeDB        = "db"
)

// RetryPayload records one repair attempt for one task.
type RetryPayload struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
	Reason  string `json:"reason"`
}

// AuditPayload is the client-visible audit summary, emitted before complete.
type AuditPayload struct {
	RequestID          string   `json:"request_id"`
	Mode               string   `json:"mode"`
	TasksCount         int      `json:"tasks_count"`
	RetriesUsed        int      `json:"retries_used"`
	TablesUsed         []string `json:"tables_used"`
	SafetyChecksPassed bool     `json:"safety_checks_passed"`
}

// CompletePayload is the single terminal event of every run.
type CompletePayload struct {
	OK                 bool     `json:"ok"`
	Blocked            bool     `json:"blocked,omitempty"`
	NeedsClarification bool     `json:"needs_clarification,omitempty"`
	Questions          []string `json:"questions,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// ErrorPayload carries a sanitized failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent wraps a payload in an Event envelope.
func NewEvent(kind EventKind, data any) Event {
	return Event{Kind: kind, Data: data}
}

// NewStatusEvent builds a status event for a pipeline stage.
func NewStatusEvent(step, message string) Event {
	return NewEvent(EventStatus, StatusPayload{Step: step, Message: message})
}

// NewTokenEvent builds one answer token event.
func NewTokenEvent(text string) Event {
	return NewEvent(EventToken, TokenPayload{Text: text})
}

// NewRetryEvent builds one repair-attempt event.
func NewRetryEvent(retryType string, attempt, max int, reason string) Event {
	return NewEvent(EventRetry, RetryPayload{
		Type:    retryType,
		Attempt: attempt,
		Max:     max,
		Reason:  reason,
	})
}

// NewCompleteEvent builds the terminal event of a run.
func NewCompleteEvent(payload CompletePayload) Event {
	return NewEvent(EventComplete, payload)
}

// NewErrorEvent builds an error event with a sanitized message.
func NewErrorEvent(message string) Event {
	return NewEvent(EventError, ErrorPayload{Message: message})
}
