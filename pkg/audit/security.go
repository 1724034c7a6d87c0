package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering
// and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a prompt.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventBlockedPrompt is logged when the scope gate refuses a request.
	EventBlockedPrompt SecurityEventType = "blocked_prompt"
)

// SecurityEvent is one auditable security event with the context a SIEM
// needs for analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	RequestID string            `json:"request_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// InjectionDetails describes a prompt that libinjection flagged.
type InjectionDetails struct {
	Input       string `json:"input"`
	Fingerprint string `json:"fingerprint"`
}

// SecurityAuditor logs security events in structured JSON for SIEM
// consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a security auditor. The logger gets a
// dedicated "security_audit" namespace for easy filtering downstream.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a prompt that libinjection flagged as a SQL
// injection pattern. Logged at ERROR level with "critical" severity for
// immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(requestID string, userID uuid.UUID, details InjectionDetails) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		RequestID: requestID,
		UserID:    userID,
		Details:   details,
		Severity:  "critical",
	}

	// Marshaling known types should never fail.
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.String("user_id", userID.String()),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogBlockedPrompt records a request the scope gate refused. Logged at
// WARN level as these are usually off-topic requests, not attacks.
func (a *SecurityAuditor) LogBlockedPrompt(requestID string, userID uuid.UUID, reason string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventBlockedPrompt,
		RequestID: requestID,
		UserID:    userID,
		Details:   map[string]string{"reason": reason},
		Severity:  "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Prompt blocked by scope gate",
		zap.String("event_json", string(eventJSON)),
		zap.String("request_id", requestID),
		zap.String("user_id", userID.String()),
		zap.String("reason", reason),
		zap.String("severity", "warning"),
	)
}
