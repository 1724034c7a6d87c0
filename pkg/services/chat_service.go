// Package services holds the application layer between HTTP handlers and
// the repositories: chat turn orchestration and conversation access with
// ownership enforcement.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/pipeline"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

const autoTitleMaxLen = 60

// ChatRequest is one inbound chat turn. A nil ConversationID starts a new
// conversation titled from the message.
type ChatRequest struct {
	UserID         uuid.UUID
	ConversationID *uuid.UUID
	Message        string
}

// ChatResult is the service-level outcome of one chat turn, for the sync
// endpoint and for persistence assertions in tests.
type ChatResult struct {
	RequestID      string
	ConversationID uuid.UUID
	Result         *pipeline.Result
}

// ChatService runs one chat turn end to end: conversation resolution, the
// analysis pipeline, message persistence, memory save, and the audit record.
type ChatService struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	pipe          *pipeline.Pipeline
	memory        *memory.Service
	recorder      *audit.Recorder
	logger        *zap.Logger
}

// NewChatService creates a chat service.
func NewChatService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	pipe *pipeline.Pipeline,
	memorySvc *memory.Service,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		pipe:          pipe,
		memory:        memorySvc,
		recorder:      recorder,
		logger:        logger.Named("chat"),
	}
}

// Run executes one chat turn, emitting the full event stream into emit.
// The request_id and session events precede the pipeline's own events.
// A context cancellation returns the context error; everything persisted
// up to that point stands.
func (s *ChatService) Run(ctx context.Context, req ChatRequest, emit pipeline.Emitter) (*ChatResult, error) {
	requestID := uuid.New().String()
	emit.Emit(models.NewEvent(models.EventRequestID, models.RequestIDPayload{RequestID: requestID}))

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	title := ""
	if conv.Title != nil {
		title = *conv.Title
	}
	emit.Emit(models.NewEvent(models.EventSession, models.SessionPayload{
		ConversationID: conv.ID.String(),
		Title:          title,
	}))

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
	}
	if err := s.messages.Create(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	bundle, err := s.memory.Load(ctx, conv.ID)
	if err != nil {
		s.logger.Warn("memory load failed, running without context",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
		bundle = nil
	}

	mode := pipeline.DetectMode(req.Message)
	auditRun := s.recorder.Begin(ctx, requestID, req.UserID, &conv.ID, mode)
	// Backstop for early returns; the first Finish wins.
	defer auditRun.Finish(ctx, audit.Outcome{Success: false, ErrorMessage: "run aborted"})

	input := pipeline.Input{
		RequestID: requestID,
		UserID:    req.UserID,
		Message:   req.Message,
		Memory:    bundle,
	}
	if bundle != nil {
		input.History = bundle.RecentMessages
	}

	res, err := s.pipe.Run(ctx, input, emit)
	if err != nil {
		auditRun.Finish(ctx, audit.Outcome{Success: false, ErrorMessage: "run cancelled"})
		return nil, err
	}

	s.persistAssistantTurn(ctx, conv.ID, res)
	s.saveMemory(ctx, conv.ID, res)

	auditRun.Finish(ctx, audit.Outcome{
		Success:     res.Outcome == pipeline.OutcomeOK || res.Outcome == pipeline.OutcomePartial,
		TasksCount:  len(res.Tasks),
		RetriesUsed: res.Metrics.RetriesUsed,
		TablesUsed:  res.TablesUsed,
		MetricsUsed: res.MetricsUsed,
		TimingsMs: map[string]int64{
			"total_ms": res.Metrics.TotalMs,
			"llm_ms":   res.Metrics.LLMMs,
			"db_ms":    res.Metrics.DBMs,
		},
		RowsReturned: res.Metrics.RowsReturned,
		ErrorMessage: errorMessageFor(res),
	})

	if err := s.conversations.Touch(ctx, conv.ID); err != nil {
		s.logger.Warn("failed to touch conversation",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
	}

	return &ChatResult{
		RequestID:      requestID,
		ConversationID: conv.ID,
		Result:         res,
	}, nil
}

// resolveConversation loads an existing conversation (owner-checked) or
// creates a new one titled from the first message.
func (s *ChatService) resolveConversation(ctx context.Context, req ChatRequest) (*models.Conversation, error) {
	if req.ConversationID != nil {
		conv, err := s.conversations.GetByID(ctx, *req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conversation: %w", err)
		}
		if conv.UserID != req.UserID {
			// Another user's conversation looks like a missing one.
			return nil, fmt.Errorf("failed to resolve conversation: %w", apperrors.ErrNotFound)
		}
		return conv, nil
	}

	title := autoTitle(req.Message)
	conv := &models.Conversation{
		UserID: req.UserID,
		Title:  &title,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("title", title))
	return conv, nil
}

// persistAssistantTurn writes the assistant message with the run artifacts.
// Persistence failures are logged, not fatal; the client already has the
// streamed result.
func (s *ChatService) persistAssistantTurn(ctx context.Context, conversationID uuid.UUID, res *pipeline.Result) {
	msg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        res.Answer,
		Assumptions:    res.Assumptions,
		FollowUps:      res.FollowUps,
	}
	if len(res.Tasks) > 0 {
		msg.SQLTasks = res.SQLTasks()
		msg.Tables = res.TableArtifacts()
		if sqlText := res.Tasks[0].SQL; sqlText != "" {
			msg.SQLText = &sqlText
		}
	}
	if res.Chart != nil && res.Chart.Available {
		msg.Chart = res.Chart
	}
	metrics := res.Metrics
	msg.Metrics = &metrics

	if err := s.messages.Create(ctx, msg); err != nil {
		s.logger.Error("failed to persist assistant message",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}

// saveMemory writes the memory bundle after a run that produced an answer.
// Blocked and clarification turns leave the stored intent untouched.
func (s *ChatService) saveMemory(ctx context.Context, conversationID uuid.UUID, res *pipeline.Result) {
	if res.Outcome != pipeline.OutcomeOK && res.Outcome != pipeline.OutcomePartial {
		return
	}

	update := memory.Update{
		ResultFacts: map[string]any{
			"outcome":       string(res.Outcome),
			"rows_returned": res.Metrics.RowsReturned,
			"tables_used":   res.TablesUsed,
		},
	}
	if res.Grounded != nil {
		filters := parseFilters(res.Grounded.Filters)
		metric := ""
		if len(res.MetricsUsed) > 0 {
			metric = res.MetricsUsed[0]
		}
		update.Context = &models.MemoryContext{
			Metric:     metric,
			Dimensions: res.Grounded.Columns,
			Filters:    filters,
			TimeWindow: res.Grounded.TimeRange,
			Grain:      res.Grounded.Grain,
		}
		intent := &models.SQLIntent{
			Metric:     metric,
			Dimensions: res.Grounded.Columns,
			Filters:    filters,
			Tables:     res.TablesUsed,
			Stats: &models.ResultStat{
				RowsReturned: res.Metrics.RowsReturned,
			},
		}
		for _, t := range res.Tasks {
			intent.Tasks = append(intent.Tasks, t.Title)
		}
		update.LastSQLIntent = intent
	}

	if err := s.memory.Save(ctx, conversationID, update); err != nil {
		s.logger.Warn("memory save failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}
}

func errorMessageFor(res *pipeline.Result) string {
	switch res.Outcome {
	case pipeline.OutcomeError:
		return res.Reason
	case pipeline.OutcomeBlocked:
		return "blocked: " + res.Reason
	}
	return ""
}

var filterRegexp = regexp.MustCompile(`(?i)^\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*(=|!=|<>|>=|<=|>|<|ILIKE|LIKE|IN)\s*(.+?)\s*$`)

// parseFilters converts grounding's textual predicates into structured
// filters. Predicates that don't match the column-op-value shape are
// dropped rather than guessed at.
func parseFilters(predicates []string) []models.Filter {
	var filters []models.Filter
	for _, p := range predicates {
		m := filterRegexp.FindStringSubmatch(p)
		if m == nil {
			continue
		}
		filters = append(filters, models.Filter{
			Column: strings.ToLower(m[1]),
			Op:     strings.ToUpper(m[2]),
			Value:  strings.Trim(m[3], `'"`),
		})
	}
	return filters
}

// autoTitle derives a conversation title from the first message, cut at a
// word boundary.
func autoTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if len(title) <= autoTitleMaxLen {
		return title
	}
	cut := title[:autoTitleMaxLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
