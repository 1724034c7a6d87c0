package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/database"
	"github.com/rxlytics/analyst-engine/pkg/models"
)

// ConversationRepository defines the interface for conversation access,
// including the per-conversation memory bundle.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error
	// SaveMemory replaces the memory bundle wholesale and bumps updated_at.
	SaveMemory(ctx context.Context, id uuid.UUID, bundle *models.MemoryBundle) error
	Touch(ctx context.Context, id uuid.UUID) error
}

type conversationRepository struct {
	db *database.DB
}

// NewConversationRepository creates a new conversation repository.
func NewConversationRepository(db *database.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	query := `
		INSERT INTO conversation (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, summary, context_json, last_sql_intent, created_at, updated_at
		FROM conversation WHERE id = $1`

	var conv models.Conversation
	var contextJSON, intentJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Summary,
		&contextJSON, &intentJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if len(contextJSON) > 0 {
		var mc models.MemoryContext
		if err := json.Unmarshal(contextJSON, &mc); err != nil {
			return nil, fmt.Errorf("failed to decode memory context: %w", err)
		}
		conv.Context = &mc
	}
	if len(intentJSON) > 0 {
		var intent models.SQLIntent
		if err := json.Unmarshal(intentJSON, &intent); err != nil {
			return nil, fmt.Errorf("failed to decode last sql intent: %w", err)
		}
		conv.LastSQLIntent = &intent
	}

	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversation
		WHERE user_id = $1
		ORDER BY updated_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE conversation SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conversationRepository) SaveMemory(ctx context.Context, id uuid.UUID, bundle *models.MemoryBundle) error {
	var contextJSON, intentJSON []byte
	var err error

	if bundle.Context != nil {
		contextJSON, err = json.Marshal(bundle.Context)
		if err != nil {
			return fmt.Errorf("failed to encode memory context: %w", err)
		}
	}
	if bundle.LastSQLIntent != nil {
		intentJSON, err = json.Marshal(bundle.LastSQLIntent)
		if err != nil {
			return fmt.Errorf("failed to encode last sql intent: %w", err)
		}
	}

	var summary *string
	if bundle.Summary != "" {
		summary = &bundle.Summary
	}

	result, err := r.db.Exec(ctx, `
		UPDATE conversation
		SET summary = $2, context_json = $3, last_sql_intent = $4, updated_at = now()
		WHERE id = $1`,
		id, summary, contextJSON, intentJSON)
	if err != nil {
		return fmt.Errorf("failed to save memory bundle: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conversationRepository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE conversation SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
