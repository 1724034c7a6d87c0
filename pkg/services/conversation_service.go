package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

// ConversationService exposes conversation access with ownership enforced
// at the service boundary. A conversation owned by someone else is
// indistinguishable from a missing one.
type ConversationService struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	logger        *zap.Logger
}

// NewConversationService creates a conversation service.
func NewConversationService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		logger:        logger.Named("conversations"),
	}
}

// List returns the user's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	return s.conversations.ListByUser(ctx, userID)
}

// Create starts an empty conversation with an optional title.
func (s *ConversationService) Create(ctx context.Context, userID uuid.UUID, title string) (*models.Conversation, error) {
	conv := &models.Conversation{UserID: userID}
	if title != "" {
		conv.Title = &title
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Get returns one conversation after the ownership check.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, apperrors.ErrNotFound
	}
	return conv, nil
}

// Messages returns the full message history of an owned conversation in
// chronological order.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID uuid.UUID) ([]*models.Message, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.messages.ListByConversation(ctx, conversationID)
}
