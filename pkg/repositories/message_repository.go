package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rxlytics/analyst-engine/pkg/database"
	"github.com/rxlytics/analyst-engine/pkg/models"
)

// MessageRepository defines the interface for message access. Messages are
// immutable once written.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
	// ListRecent returns the newest n messages in chronological order, for
	// the generation history window.
	ListRecent(ctx context.Context, conversationID uuid.UUID, n int) ([]*models.Message, error)
}

type messageRepository struct {
	db *database.DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *database.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()

	sqlTasks, err := marshalOrNil(msg.SQLTasks)
	if err != nil {
		return fmt.Errorf("failed to encode sql tasks: %w", err)
	}
	tables, err := marshalOrNil(msg.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode tables: %w", err)
	}
	chart, err := marshalOrNil(msg.Chart)
	if err != nil {
		return fmt.Errorf("failed to encode chart: %w", err)
	}
	assumptions, err := marshalOrNil(msg.Assumptions)
	if err != nil {
		return fmt.Errorf("failed to encode assumptions: %w", err)
	}
	followUps, err := marshalOrNil(msg.FollowUps)
	if err != nil {
		return fmt.Errorf("failed to encode follow ups: %w", err)
	}
	metrics, err := marshalOrNil(msg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	query := `
		INSERT INTO message (
			id, conversation_id, role, content, sql_text,
			sql_tasks, tables_json, chart_json, assumptions, follow_ups, metrics_json,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.SQLText,
		sqlTasks, tables, chart, assumptions, followUps, metrics,
		msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, sql_text,
		       sql_tasks, tables_json, chart_json, assumptions, follow_ups, metrics_json,
		       created_at
		FROM message
		WHERE conversation_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *messageRepository) ListRecent(ctx context.Context, conversationID uuid.UUID, n int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, sql_text,
		       sql_tasks, tables_json, chart_json, assumptions, follow_ups, metrics_json,
		       created_at
		FROM (
			SELECT * FROM message
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows pgxRows) ([]*models.Message, error) {
	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		var sqlTasks, tables, chart, assumptions, followUps, metrics []byte

		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.SQLText,
			&sqlTasks, &tables, &chart, &assumptions, &followUps, &metrics,
			&msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if err := unmarshalInto(sqlTasks, &msg.SQLTasks); err != nil {
			return nil, fmt.Errorf("failed to decode sql tasks: %w", err)
		}
		if err := unmarshalInto(tables, &msg.Tables); err != nil {
			return nil, fmt.Errorf("failed to decode tables: %w", err)
		}
		if err := unmarshalInto(chart, &msg.Chart); err != nil {
			return nil, fmt.Errorf("failed to decode chart: %w", err)
		}
		if err := unmarshalInto(assumptions, &msg.Assumptions); err != nil {
			return nil, fmt.Errorf("failed to decode assumptions: %w", err)
		}
		if err := unmarshalInto(followUps, &msg.FollowUps); err != nil {
			return nil, fmt.Errorf("failed to decode follow ups: %w", err)
		}
		if err := unmarshalInto(metrics, &msg.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}

		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// marshalOrNil returns nil for nil pointers and empty slices so the column
// stays NULL instead of holding "null" or "[]".
func marshalOrNil(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *models.ChartSpec:
		if val == nil {
			return nil, nil
		}
	case *models.RunMetrics:
		if val == nil {
			return nil, nil
		}
	case []models.SQLTask:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.TableArtifact:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalInto(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
