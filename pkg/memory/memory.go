// Package memory maintains the per-conversation memory bundle: a rolling
// plain-text summary, a structured analytic context, and the last SQL
// intent. The bundle is read once when a pipeline run starts and written
// at most once when it completes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

const (
	recentMessageCount  = 5
	summaryMessageCount = 10
	messageExcerptLen   = 500
	summaryExcerptLen   = 300
)

// RecentMessage is a lightweight view of one prior turn for prompts.
type RecentMessage struct {
	Role    string
	Content string
}

// Bundle is the loaded memory state for one conversation.
type Bundle struct {
	Summary        string
	Context        *models.MemoryContext
	LastSQLIntent  *models.SQLIntent
	RecentMessages []RecentMessage
}

// Update carries the state a completed run wants to persist. Context is
// shallow-merged over the stored context; LastSQLIntent replaces the stored
// intent wholesale.
type Update struct {
	Context       *models.MemoryContext
	LastSQLIntent *models.SQLIntent
	ResultFacts   map[string]any
}

// Service loads and saves memory bundles.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	llmClient     llm.LLMClient
	logger        *zap.Logger
}

// NewService creates a memory service.
func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	llmClient llm.LLMClient,
	logger *zap.Logger,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		llmClient:     llmClient,
		logger:        logger.Named("memory"),
	}
}

// Load returns the full memory bundle for a conversation.
func (s *Service) Load(ctx context.Context, conversationID uuid.UUID) (*Bundle, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation memory: %w", err)
	}

	msgs, err := s.messages.ListRecent(ctx, conversationID, recentMessageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	bundle := &Bundle{
		Context:       conv.Context,
		LastSQLIntent: conv.LastSQLIntent,
	}
	if conv.Summary != nil {
		bundle.Summary = *conv.Summary
	}
	for _, m := range msgs {
		bundle.RecentMessages = append(bundle.RecentMessages, RecentMessage{
			Role:    m.Role,
			Content: excerpt(m.Content, messageExcerptLen),
		})
	}
	return bundle, nil
}

// Save recomputes the rolling summary, merges the context, and persists
// the bundle wholesale. A summary LLM failure keeps the previous summary
// rather than failing the run.
func (s *Service) Save(ctx context.Context, conversationID uuid.UUID, update Update) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation for memory save: %w", err)
	}

	prevSummary := ""
	if conv.Summary != nil {
		prevSummary = *conv.Summary
	}

	summary, err := s.rollSummary(ctx, conversationID, prevSummary, update.ResultFacts)
	if err != nil {
		s.logger.Warn("summary update failed, keeping previous summary",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		summary = prevSummary
	}

	bundle := &models.MemoryBundle{
		Summary:       summary,
		Context:       MergeContext(conv.Context, update.Context),
		LastSQLIntent: update.LastSQLIntent,
	}
	if bundle.LastSQLIntent == nil {
		bundle.LastSQLIntent = conv.LastSQLIntent
	}

	if err := s.conversations.SaveMemory(ctx, conversationID, bundle); err != nil {
		return fmt.Errorf("failed to save memory bundle: %w", err)
	}

	s.logger.Info("memory bundle saved",
		zap.String("conversation_id", conversationID.String()),
		zap.Int("summary_chars", len(summary)))
	return nil
}

// rollSummary replaces the rolling summary wholesale from the previous
// summary, the recent turns, and the run's result facts.
func (s *Service) rollSummary(ctx context.Context, conversationID uuid.UUID, prevSummary string, resultFacts map[string]any) (string, error) {
	msgs, err := s.messages.ListRecent(ctx, conversationID, summaryMessageCount)
	if err != nil {
		return "", fmt.Errorf("failed to load messages for summary: %w", err)
	}

	var lines []string
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), excerpt(m.Content, summaryExcerptLen)))
	}

	factsText := ""
	if len(resultFacts) > 0 {
		if encoded, err := json.Marshal(resultFacts); err == nil {
			factsText = "\nResult facts: " + string(encoded)
		}
	}

	system := "You are a concise session summariser for a pharmaceutical data analyst bot.\n" +
		"Produce a PLAIN TEXT summary (absolutely no markdown: no #, **, *, `, ```).\n" +
		"Use these section labels on their own line, followed by a short sentence:\n" +
		"  User goal: ...\n" +
		"  Current scope: ...\n" +
		"  Key findings so far: ...\n" +
		"  Open assumptions / follow-ups: ...\n\n" +
		"Keep it to 1-2 short paragraphs total. Be factual and specific.\n" +
		"If there is a previous summary, UPDATE it (don't repeat everything)."

	if prevSummary == "" {
		prevSummary = "(none)"
	}
	prompt := fmt.Sprintf("Previous summary:\n%s\n\nRecent messages:\n%s\n%s",
		prevSummary, strings.Join(lines, "\n"), factsText)

	resp, err := s.llmClient.GenerateResponse(ctx, prompt, system, 0.3)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// MergeContext shallow-merges patch over existing: fields set on the patch
// win, fields absent from it keep their stored values.
func MergeContext(existing, patch *models.MemoryContext) *models.MemoryContext {
	if patch == nil {
		return existing
	}
	if existing == nil {
		return patch
	}

	merged := *existing
	if patch.Metric != "" {
		merged.Metric = patch.Metric
	}
	if len(patch.Dimensions) > 0 {
		merged.Dimensions = patch.Dimensions
	}
	if len(patch.Filters) > 0 {
		merged.Filters = patch.Filters
	}
	if patch.TimeWindow != "" {
		merged.TimeWindow = patch.TimeWindow
	}
	if patch.Grain != "" {
		merged.Grain = patch.Grain
	}
	if len(patch.LastEntities) > 0 {
		merged.LastEntities = patch.LastEntities
	}
	if len(patch.Preferences) > 0 {
		prefs := make(map[string]string, len(existing.Preferences)+len(patch.Preferences))
		for k, v := range existing.Preferences {
			prefs[k] = v
		}
		for k, v := range patch.Preferences {
			prefs[k] = v
		}
		merged.Preferences = prefs
	}
	return &merged
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
