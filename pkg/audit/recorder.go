// Package audit records governance data for analysis runs: a durable
// per-run audit trail in PostgreSQL and structured security events for
// SIEM consumption.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

// Recorder opens and finalizes audit records. Audit failures never fail
// the run they describe; they are logged and swallowed.
type Recorder struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(repo repositories.AuditRepository, logger *zap.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.Named("audit"),
	}
}

// Outcome is the final state of a run, written once at the end.
type Outcome struct {
	Success      bool
	TasksCount   int
	RetriesUsed  int
	TablesUsed   []string
	MetricsUsed  []string
	TimingsMs    map[string]int64
	RowsReturned int
	ErrorMessage string
}

// Run is one open audit record. Finish is safe to call more than once;
// only the first call writes.
type Run struct {
	recorder *Recorder
	record   *models.AuditRecord
	disabled bool
	once     sync.Once
}

// Begin opens an audit record for a new run. If the insert fails the run
// proceeds with auditing disabled.
func (r *Recorder) Begin(ctx context.Context, requestID string, userID uuid.UUID, conversationID *uuid.UUID, mode string) *Run {
	rec := &models.AuditRecord{
		ID:             uuid.New(),
		RequestID:      requestID,
		UserID:         userID,
		ConversationID: conversationID,
		Mode:           mode,
		StartedAt:      time.Now(),
	}

	run := &Run{recorder: r, record: rec}
	if err := r.repo.Create(ctx, rec); err != nil {
		r.logger.Warn("failed to open audit record, run will not be audited",
			zap.String("request_id", requestID),
			zap.Error(err))
		run.disabled = true
	}
	return run
}

// Record returns the underlying audit record, populated so far.
func (run *Run) Record() *models.AuditRecord {
	return run.record
}

// Finish closes the audit record with the run outcome. Later calls are
// no-ops, so both the success path and a deferred error path may call it.
func (run *Run) Finish(ctx context.Context, outcome Outcome) {
	run.once.Do(func() {
		now := time.Now()
		run.record.FinishedAt = &now
		run.record.Success = &outcome.Success
		run.record.TasksCount = outcome.TasksCount
		run.record.RetriesUsed = outcome.RetriesUsed
		run.record.TablesUsed = outcome.TablesUsed
		run.record.MetricsUsed = outcome.MetricsUsed
		run.record.TimingsMs = outcome.TimingsMs
		run.record.RowsReturned = outcome.RowsReturned
		if outcome.ErrorMessage != "" {
			msg := outcome.ErrorMessage
			run.record.ErrorMessage = &msg
		}

		if run.disabled {
			return
		}
		if err := run.recorder.repo.Finalize(ctx, run.record); err != nil {
			run.recorder.logger.Warn("failed to finalize audit record",
				zap.String("request_id", run.record.RequestID),
				zap.Error(err))
		}
	})
}
