package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/database"
	"github.com/rxlytics/analyst-engine/pkg/models"
)

// AuditFilter narrows audit record queries for governance tooling.
type AuditFilter struct {
	UserID    *uuid.UUID
	RequestID string
	Limit     int
}

// AuditRepository defines the interface for audit record access. Records
// are created when a run starts and finalized exactly once when it ends.
type AuditRepository interface {
	Create(ctx context.Context, rec *models.AuditRecord) error
	Finalize(ctx context.Context, rec *models.AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditRecord, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	query := `
		INSERT INTO audit_log (id, request_id, user_id, conversation_id, mode, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.UserID, rec.ConversationID, rec.Mode, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create audit record: %w", err)
	}
	return nil
}

func (r *auditRepository) Finalize(ctx context.Context, rec *models.AuditRecord) error {
	tablesUsed, err := jsonOrNil(rec.TablesUsed)
	if err != nil {
		return fmt.Errorf("failed to encode tables used: %w", err)
	}
	metricsUsed, err := jsonOrNil(rec.MetricsUsed)
	if err != nil {
		return fmt.Errorf("failed to encode metrics used: %w", err)
	}
	timings, err := jsonOrNil(rec.TimingsMs)
	if err != nil {
		return fmt.Errorf("failed to encode timings: %w", err)
	}

	query := `
		UPDATE audit_log
		SET finished_at = $2, success = $3, tasks_count = $4, retries_used = $5,
		    tables_used = $6, metrics_used = $7, timings_ms = $8,
		    rows_returned = $9, error_message = $10
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		rec.ID, rec.FinishedAt, rec.Success, rec.TasksCount, rec.RetriesUsed,
		tablesUsed, metricsUsed, timings, rec.RowsReturned, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize audit record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]*models.AuditRecord, error) {
	query := `
		SELECT id, request_id, user_id, conversation_id, mode, started_at,
		       finished_at, success, tasks_count, retries_used,
		       tables_used, metrics_used, timings_ms, rows_returned, error_message
		FROM audit_log
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2 = '' OR request_id = $2)
		ORDER BY started_at DESC
		LIMIT $3`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, query, filter.UserID, filter.RequestID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var recs []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var tablesUsed, metricsUsed, timings []byte

		err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.UserID, &rec.ConversationID, &rec.Mode, &rec.StartedAt,
			&rec.FinishedAt, &rec.Success, &rec.TasksCount, &rec.RetriesUsed,
			&tablesUsed, &metricsUsed, &timings, &rec.RowsReturned, &rec.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		if err := unmarshalInto(tablesUsed, &rec.TablesUsed); err != nil {
			return nil, fmt.Errorf("failed to decode tables used: %w", err)
		}
		if err := unmarshalInto(metricsUsed, &rec.MetricsUsed); err != nil {
			return nil, fmt.Errorf("failed to decode metrics used: %w", err)
		}
		if err := unmarshalInto(timings, &rec.TimingsMs); err != nil {
			return nil, fmt.Errorf("failed to decode timings: %w", err)
		}

		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return recs, nil
}

func jsonOrNil[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
