package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/apperrors"
	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/catalog"
	"github.com/rxlytics/analyst-engine/pkg/config"
	"github.com/rxlytics/analyst-engine/pkg/executor"
	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/pipeline"
	"github.com/rxlytics/analyst-engine/pkg/repositories"
)

type fakeConversationRepo struct {
	convs       map[uuid.UUID]*models.Conversation
	savedBundle *models.MemoryBundle
	touched     int
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{convs: make(map[uuid.UUID]*models.Conversation)}
}

func (f *fakeConversationRepo) Create(_ context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConversationRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	var out []*models.Conversation
	for _, c := range f.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) UpdateTitle(_ context.Context, id uuid.UUID, title string) error {
	conv, ok := f.convs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	conv.Title = &title
	return nil
}

func (f *fakeConversationRepo) SaveMemory(_ context.Context, id uuid.UUID, bundle *models.MemoryBundle) error {
	if _, ok := f.convs[id]; !ok {
		return apperrors.ErrNotFound
	}
	f.savedBundle = bundle
	return nil
}

func (f *fakeConversationRepo) Touch(_ context.Context, id uuid.UUID) error {
	f.touched++
	return nil
}

type fakeMessageRepo struct {
	msgs []*models.Message
}

func (f *fakeMessageRepo) Create(_ context.Context, msg *models.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeMessageRepo) ListByConversation(_ context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) ListRecent(_ context.Context, conversationID uuid.UUID, n int) ([]*models.Message, error) {
	all, _ := f.ListByConversation(context.Background(), conversationID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

type fakeAuditRepo struct {
	created   []*models.AuditRecord
	finalized []*models.AuditRecord
}

func (f *fakeAuditRepo) Create(_ context.Context, rec *models.AuditRecord) error {
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeAuditRepo) Finalize(_ context.Context, rec *models.AuditRecord) error {
	f.finalized = append(f.finalized, rec)
	return nil
}

func (f *fakeAuditRepo) List(_ context.Context, _ repositories.AuditFilter) ([]*models.AuditRecord, error) {
	return f.created, nil
}

var (
	_ repositories.ConversationRepository = (*fakeConversationRepo)(nil)
	_ repositories.MessageRepository      = (*fakeMessageRepo)(nil)
	_ repositories.AuditRepository        = (*fakeAuditRepo)(nil)
)

const testSQL = "SELECT dt.year_quarter AS quarter, SUM(fs.net_sales_usd) AS net_sales " +
	"FROM fact_sales fs " +
	"JOIN dim_time dt ON fs.date = dt.date " +
	"JOIN dim_product dp ON fs.product_id = dp.product_id " +
	"WHERE dp.brand_name = 'Cardivex' " +
	"GROUP BY dt.year_quarter ORDER BY dt.year_quarter LIMIT 100"

// scriptedLLM answers each pipeline call site by a marker in its system
// prompt, enough to drive a full happy-path run.
func scriptedLLM() *llm.MockLLMClient {
	responses := map[string]string{
		"semantic grounding agent": `{"tables": ["fact_sales", "dim_time", "dim_product"], ` +
			`"columns": ["net_sales_usd", "year_quarter", "growth_velocity"], ` +
			`"filters": ["brand_name = 'Cardivex'"], "time_range": "2024", ` +
			`"grain": "quarter", "metrics": ["net_sales_usd"]}`,
		"analysis planner":         `{"tasks": [{"title": "Quarterly Cardivex sales"}]}`,
		"PostgreSQL SQL generator": `{"sql": "` + testSQL + `"}`,
		"visualisation advisor": `{"available": true, "chart_type": "bar", ` +
			`"x_column": "quarter", "y_column": "net_sales", "title": "Cardivex by quarter"}`,
		"presenting query results": `{"answer": "Cardivex sales grew through 2024.", ` +
			`"assumptions": ["Net sales in USD"], "follow_ups": ["Break down by region?"]}`,
		"scope-checking agent": `{"in_scope": true}`,
	}
	mock := llm.NewMockLLMClient()
	mock.GenerateJSONFunc = func(_ context.Context, _, system string, _ float64) (*llm.GenerateResponseResult, error) {
		for marker, response := range responses {
			if strings.Contains(system, marker) {
				return &llm.GenerateResponseResult{Content: response}, nil
			}
		}
		return nil, fmt.Errorf("unscripted llm call: %.60s", system)
	}
	mock.GenerateResponseFunc = func(_ context.Context, _, _ string, _ float64) (*llm.GenerateResponseResult, error) {
		return &llm.GenerateResponseResult{Content: "User goal: track Cardivex sales."}, nil
	}
	return mock
}

type staticRunner struct{ calls int }

func (r *staticRunner) Execute(_ context.Context, _ string) (*executor.QueryResult, error) {
	r.calls++
	return &executor.QueryResult{
		Columns:  []string{"quarter", "net_sales"},
		Rows:     [][]any{{"2024-Q1", 1200.0}, {"2024-Q2", 1350.0}},
		RowCount: 2,
		DBMs:     2,
	}, nil
}

type chatFixture struct {
	svc       *ChatService
	convs     *fakeConversationRepo
	msgs      *fakeMessageRepo
	auditRepo *fakeAuditRepo
	runner    *staticRunner
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)

	logger := zap.NewNop()
	mock := scriptedLLM()
	runner := &staticRunner{}
	agent := config.AgentConfig{
		MaxRepairRetries:    2,
		MaxRows:             100,
		QueryTimeoutSeconds: 30,
		WorkerConcurrency:   2,
		HistoryWindow:       6,
	}
	pipe := pipeline.New(cat, mock, runner, agent, 1, audit.NewSecurityAuditor(logger), logger)

	convs := newFakeConversationRepo()
	msgs := &fakeMessageRepo{}
	auditRepo := &fakeAuditRepo{}
	memorySvc := memory.NewService(convs, msgs, mock, logger)
	recorder := audit.NewRecorder(auditRepo, logger)

	return &chatFixture{
		svc:       NewChatService(convs, msgs, pipe, memorySvc, recorder, logger),
		convs:     convs,
		msgs:      msgs,
		auditRepo: auditRepo,
		runner:    runner,
	}
}

func TestChatRun_NewConversationFullTurn(t *testing.T) {
	f := newChatFixture(t)
	events := pipeline.NewCollector()
	userID := uuid.New()

	out, err := f.svc.Run(context.Background(), ChatRequest{
		UserID:  userID,
		Message: "Cardivex sales by quarter in 2024",
	}, events)
	require.NoError(t, err)
	require.NotNil(t, out)

	kinds := events.Kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, models.EventRequestID, kinds[0])
	assert.Equal(t, models.EventSession, kinds[1])
	assert.Equal(t, models.EventComplete, kinds[len(kinds)-1])

	conv, ok := f.convs.convs[out.ConversationID]
	require.True(t, ok)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Cardivex sales by quarter in 2024", *conv.Title)

	require.Len(t, f.msgs.msgs, 2)
	assert.Equal(t, models.RoleUser, f.msgs.msgs[0].Role)
	assistant := f.msgs.msgs[1]
	assert.Equal(t, models.RoleAssistant, assistant.Role)
	assert.Equal(t, "Cardivex sales grew through 2024.", assistant.Content)
	require.Len(t, assistant.SQLTasks, 1)
	assert.Equal(t, testSQL, assistant.SQLTasks[0].SQL)
	require.Len(t, assistant.Tables, 1)
	require.NotNil(t, assistant.Chart)
	assert.True(t, assistant.Chart.Available)
	require.NotNil(t, assistant.Metrics)
	assert.Equal(t, 2, assistant.Metrics.RowsReturned)

	require.Len(t, f.auditRepo.created, 1)
	assert.Equal(t, models.ModeSimple, f.auditRepo.created[0].Mode)
	assert.Equal(t, out.RequestID, f.auditRepo.created[0].RequestID)
	require.Len(t, f.auditRepo.finalized, 1)
	final := f.auditRepo.finalized[0]
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
	assert.Equal(t, 1, final.TasksCount)
	assert.Equal(t, 2, final.RowsReturned)

	require.NotNil(t, f.convs.savedBundle, "memory saved after a successful run")
	require.NotNil(t, f.convs.savedBundle.LastSQLIntent)
	assert.Contains(t, f.convs.savedBundle.LastSQLIntent.Tables, "fact_sales")
	assert.Equal(t, "net_sales_usd", f.convs.savedBundle.LastSQLIntent.Metric)
	require.NotNil(t, f.convs.savedBundle.Context)
	assert.Equal(t, "quarter", f.convs.savedBundle.Context.Grain)
	assert.ElementsMatch(t, []string{"net_sales_usd", "year_quarter"},
		f.convs.savedBundle.Context.Dimensions,
		"only catalog columns reach the persisted context")
	assert.Equal(t, 1, f.convs.touched)
}

func TestChatRun_BlockedTurnSkipsMemory(t *testing.T) {
	f := newChatFixture(t)
	events := pipeline.NewCollector()

	out, err := f.svc.Run(context.Background(), ChatRequest{
		UserID:  uuid.New(),
		Message: "tell me a joke",
	}, events)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeBlocked, out.Result.Outcome)

	assert.Zero(t, f.runner.calls)
	assert.Nil(t, f.convs.savedBundle, "blocked turns never touch memory")

	require.Len(t, f.auditRepo.finalized, 1)
	final := f.auditRepo.finalized[0]
	require.NotNil(t, final.Success)
	assert.False(t, *final.Success)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "blocked:")

	require.Len(t, f.msgs.msgs, 2, "both turns persist even when blocked")
}

func TestChatRun_ExistingConversationOwnership(t *testing.T) {
	f := newChatFixture(t)
	owner := uuid.New()
	title := "existing"
	conv := &models.Conversation{UserID: owner, Title: &title}
	require.NoError(t, f.convs.Create(context.Background(), conv))

	_, err := f.svc.Run(context.Background(), ChatRequest{
		UserID:         uuid.New(),
		ConversationID: &conv.ID,
		Message:        "Cardivex sales by quarter in 2024",
	}, pipeline.NewCollector())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, f.msgs.msgs, "nothing persisted for a foreign conversation")
	assert.Empty(t, f.auditRepo.created)
}

func TestChatRun_ExistingConversationKeepsTitle(t *testing.T) {
	f := newChatFixture(t)
	userID := uuid.New()
	title := "Cardivex deep dive"
	conv := &models.Conversation{UserID: userID, Title: &title}
	require.NoError(t, f.convs.Create(context.Background(), conv))

	events := pipeline.NewCollector()
	out, err := f.svc.Run(context.Background(), ChatRequest{
		UserID:         userID,
		ConversationID: &conv.ID,
		Message:        "Cardivex sales by quarter in 2024",
	}, events)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, out.ConversationID)

	sessions := events.ByKind(models.EventSession)
	require.Len(t, sessions, 1)
	payload, ok := sessions[0].Data.(models.SessionPayload)
	require.True(t, ok)
	assert.Equal(t, "Cardivex deep dive", payload.Title)
}

func TestConversationService_OwnershipOnMessages(t *testing.T) {
	convs := newFakeConversationRepo()
	msgs := &fakeMessageRepo{}
	svc := NewConversationService(convs, msgs, zap.NewNop())

	owner := uuid.New()
	conv, err := svc.Create(context.Background(), owner, "mine")
	require.NoError(t, err)

	require.NoError(t, msgs.Create(context.Background(), &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: "hello",
	}))

	got, err := svc.Messages(context.Background(), owner, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = svc.Messages(context.Background(), uuid.New(), conv.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAutoTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short message", "Cardivex sales", "Cardivex sales"},
		{"whitespace collapsed", "  Cardivex   sales\n by quarter ", "Cardivex sales by quarter"},
		{
			"long message cut at word boundary",
			"Compare quarterly Cardivex and Neurotral prescriptions across every region since launch",
			"Compare quarterly Cardivex and Neurotral prescriptions…",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, autoTitle(tt.input))
		})
	}
}

func TestParseFilters(t *testing.T) {
	filters := parseFilters([]string{
		"brand_name = 'Cardivex'",
		"dt.year >= 2024",
		"region ILIKE 'north%'",
		"some free-text note",
	})
	require.Len(t, filters, 3)
	assert.Equal(t, models.Filter{Column: "brand_name", Op: "=", Value: "Cardivex"}, filters[0])
	assert.Equal(t, models.Filter{Column: "dt.year", Op: ">=", Value: "2024"}, filters[1])
	assert.Equal(t, models.Filter{Column: "region", Op: "ILIKE", Value: "north%"}, filters[2])
}
