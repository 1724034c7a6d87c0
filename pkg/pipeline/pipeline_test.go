package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/catalog"
	"github.com/rxlytics/analyst-engine/pkg/config"
	"github.com/rxlytics/analyst-engine/pkg/executor"
	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
)

// System prompt fragments that identify each LLM call site.
const (
	markerScope     = "scope-checking agent"
	markerGrounding = "semantic grounding agent"
	markerPlanner   = "analysis planner"
	markerGenerator = "PostgreSQL SQL generator"
	markerRepair    = "SQL repair agent"
	markerViz       = "visualisation advisor"
	markerSynth     = "presenting query results"
)

const validSQL = "SELECT dt.year_quarter AS quarter, SUM(fs.net_sales_usd) AS net_sales " +
	"FROM fact_sales fs " +
	"JOIN dim_time dt ON fs.date = dt.date " +
	"JOIN dim_product dp ON fs.product_id = dp.product_id " +
	"WHERE dp.brand_name = 'Cardivex' " +
	"GROUP BY dt.year_quarter ORDER BY dt.year_quarter LIMIT 100"

const regionSQL = "SELECT dtr.region AS region, SUM(fs.net_sales_usd) AS net_sales " +
	"FROM fact_sales fs " +
	"JOIN dim_territory dtr ON fs.territory_id = dtr.territory_id " +
	"WHERE dtr.region = 'Northeast' " +
	"GROUP BY dtr.region LIMIT 100"

// Valid except for the missing LIMIT clause.
const noLimitSQL = "SELECT dp.brand_name, SUM(fs.net_sales_usd) AS net_sales " +
	"FROM fact_sales fs " +
	"JOIN dim_product dp ON fs.product_id = dp.product_id " +
	"GROUP BY dp.brand_name ORDER BY net_sales DESC"

// llmScript routes mocked JSON calls by call-site marker in the system
// prompt. Handlers receive the user prompt and full system prompt.
type llmScript map[string]func(prompt, system string) (string, error)

func (s llmScript) client() *llm.MockLLMClient {
	mock := llm.NewMockLLMClient()
	mock.GenerateJSONFunc = func(_ context.Context, prompt, system string, _ float64) (*llm.GenerateResponseResult, error) {
		for marker, fn := range s {
			if strings.Contains(system, marker) {
				content, err := fn(prompt, system)
				if err != nil {
					return nil, err
				}
				return &llm.GenerateResponseResult{Content: content, TotalTokens: 40}, nil
			}
		}
		return nil, fmt.Errorf("unscripted llm call: %.60s", system)
	}
	return mock
}

func static(response string) func(string, string) (string, error) {
	return func(string, string) (string, error) { return response, nil }
}

// happyScript answers every stage for a single-task Cardivex question.
func happyScript() llmScript {
	return llmScript{
		markerGrounding: static(`{"tables": ["fact_sales", "dim_time", "dim_product"], ` +
			`"columns": ["net_sales_usd", "year_quarter"], ` +
			`"filters": ["brand_name = 'Cardivex'"], "time_range": "2024", ` +
			`"metrics": ["net_sales_usd"]}`),
		markerPlanner:   static(`{"tasks": [{"title": "Quarterly Cardivex sales", "description": "Sum net sales by quarter"}]}`),
		markerGenerator: static(`{"sql": "` + validSQL + `"}`),
		markerViz: static(`{"available": true, "chart_type": "bar", "x_column": "quarter", ` +
			`"y_column": "net_sales", "title": "Cardivex quarterly sales"}`),
		markerSynth: static(`{"answer": "Cardivex net sales grew steadily across 2024 quarters.", ` +
			`"assumptions": ["Net sales in USD", "Calendar quarters"], ` +
			`"follow_ups": ["How does Neurotral compare?", "Which region grew fastest?"]}`),
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(call int, sqlText string) (*executor.QueryResult, error)
}

func okResult() *executor.QueryResult {
	return &executor.QueryResult{
		Columns:  []string{"quarter", "net_sales"},
		Rows:     [][]any{{"2024-Q1", 1200.0}, {"2024-Q2", 1350.0}},
		RowCount: 2,
		DBMs:     3,
	}
}

func (f *fakeRunner) Execute(_ context.Context, sqlText string) (*executor.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sqlText)
	n := len(f.calls)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(n, sqlText)
	}
	return okResult(), nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxRepairRetries:    2,
		MaxRows:             100,
		QueryTimeoutSeconds: 30,
		WorkerConcurrency:   2,
		HistoryWindow:       6,
	}
}

func newTestPipeline(t *testing.T, mock *llm.MockLLMClient, runner QueryRunner) *Pipeline {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)
	security := audit.NewSecurityAuditor(zap.NewNop())
	return New(cat, mock, runner, testAgentConfig(), 1, security, zap.NewNop())
}

func testInput(message string) Input {
	return Input{
		RequestID: "req-test-1",
		UserID:    uuid.New(),
		Message:   message,
	}
}

func kindIndex(kinds []models.EventKind, kind models.EventKind) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func completePayload(t *testing.T, events *Collector) models.CompletePayload {
	t.Helper()
	completes := events.ByKind(models.EventComplete)
	require.Len(t, completes, 1, "exactly one complete event per run")
	payload, ok := completes[0].Data.(models.CompletePayload)
	require.True(t, ok)
	return payload
}

func TestRun_AnalyticsQuestion(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPipeline(t, happyScript().client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, models.ModeSimple, res.Mode)
	assert.Equal(t, "Cardivex net sales grew steadily across 2024 quarters.", res.Answer)
	assert.Len(t, res.Assumptions, 2)
	assert.Len(t, res.FollowUps, 2)
	assert.Contains(t, res.TablesUsed, "fact_sales")
	assert.Contains(t, res.MetricsUsed, "net_sales_usd")
	require.NotNil(t, res.Chart)
	assert.True(t, res.Chart.Available)
	assert.Equal(t, "bar", res.Chart.ChartType)
	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, 2, res.Metrics.RowsReturned)

	kinds := events.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventComplete, kinds[len(kinds)-1])
	assert.Equal(t, models.EventAudit, kinds[len(kinds)-2])
	assert.Equal(t, models.EventMetrics, kinds[len(kinds)-3])

	sqlIdx := kindIndex(kinds, models.EventArtifactSQL)
	tableIdx := kindIndex(kinds, models.EventArtifactTable)
	chartIdx := kindIndex(kinds, models.EventArtifactChart)
	metaIdx := kindIndex(kinds, models.EventAnswerMeta)
	tokenIdx := kindIndex(kinds, models.EventToken)
	require.True(t, sqlIdx >= 0 && tableIdx >= 0 && chartIdx >= 0 && metaIdx >= 0 && tokenIdx >= 0)
	assert.Less(t, sqlIdx, tableIdx)
	assert.Less(t, tableIdx, chartIdx)
	assert.Less(t, chartIdx, metaIdx)
	assert.Less(t, metaIdx, tokenIdx, "answer metadata precedes the streamed tokens")

	assert.Equal(t, len(events.ByKind(models.EventToken)), res.Metrics.TokensStreamed)

	payload := completePayload(t, events)
	assert.True(t, payload.OK)
	assert.False(t, payload.Blocked)

	audits := events.ByKind(models.EventAudit)
	require.Len(t, audits, 1)
	auditPayload, ok := audits[0].Data.(models.AuditPayload)
	require.True(t, ok)
	assert.Equal(t, "req-test-1", auditPayload.RequestID)
	assert.True(t, auditPayload.SafetyChecksPassed)
	assert.Equal(t, 1, auditPayload.TasksCount)
}

func TestRun_EmptyInput(t *testing.T) {
	mock := happyScript().client()
	p := newTestPipeline(t, mock, &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("   \t "), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "Please enter a question.", res.Reason)
	assert.Zero(t, mock.GenerateJSONCalls)

	require.NotEmpty(t, events.ByKind(models.EventError))
	payload := completePayload(t, events)
	assert.False(t, payload.OK)
	assert.Equal(t, "Please enter a question.", payload.Reason)
}

func TestRun_BlockedDestructiveRequest(t *testing.T) {
	mock := happyScript().client()
	runner := &fakeRunner{}
	p := newTestPipeline(t, mock, runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Please delete the sales data for Q1"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Zero(t, mock.GenerateJSONCalls, "rules block without an LLM round-trip")
	assert.Zero(t, runner.callCount())
	assert.Contains(t, res.Answer, "I can only help with pharmaceutical sales data questions.")
	assert.NotEmpty(t, events.ByKind(models.EventToken), "rejection is streamed")

	payload := completePayload(t, events)
	assert.False(t, payload.OK)
	assert.True(t, payload.Blocked)
	assert.NotEmpty(t, payload.Reason)

	audits := events.ByKind(models.EventAudit)
	require.Len(t, audits, 1)
	auditPayload, ok := audits[0].Data.(models.AuditPayload)
	require.True(t, ok)
	assert.False(t, auditPayload.SafetyChecksPassed)
}

func TestRun_InjectionInputBlocked(t *testing.T) {
	mock := happyScript().client()
	runner := &fakeRunner{}
	p := newTestPipeline(t, mock, runner)
	events := NewCollector()

	res, err := p.Run(context.Background(),
		testInput("show sales' UNION SELECT username, password FROM users--"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Zero(t, mock.GenerateJSONCalls)
	assert.Zero(t, runner.callCount())
	payload := completePayload(t, events)
	assert.True(t, payload.Blocked)
}

func TestRun_VagueInsightNeedsClarification(t *testing.T) {
	mock := happyScript().client()
	p := newTestPipeline(t, mock, &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("why did sales decline?"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNeedsClarification, res.Outcome)
	assert.Equal(t, models.ModeInsights, res.Mode)
	assert.Len(t, res.Questions, 3)
	assert.Zero(t, mock.GenerateJSONCalls)
	assert.Contains(t, res.Answer, "Could you provide more details?")

	payload := completePayload(t, events)
	assert.False(t, payload.OK)
	assert.True(t, payload.NeedsClarification)
	assert.Len(t, payload.Questions, 3)
}

func TestRun_GroundingFindsNoTables(t *testing.T) {
	script := happyScript()
	script[markerGrounding] = static(`{"tables": [], "columns": [], "filters": [], "metrics": []}`)
	p := newTestPipeline(t, script.client(), &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("hi, what can you do?"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNeedsClarification, res.Outcome)
	assert.Len(t, res.Questions, 3)
	payload := completePayload(t, events)
	assert.True(t, payload.NeedsClarification)
}

func TestRun_ScopeLLMBlocks(t *testing.T) {
	script := happyScript()
	script[markerScope] = static(`{"in_scope": false, "reason": "Not about pharmaceutical sales."}`)
	p := newTestPipeline(t, script.client(), &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("what is the meaning of life"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "Not about pharmaceutical sales.", res.Reason)
	assert.Contains(t, res.Answer, "Not about pharmaceutical sales.")

	payload := completePayload(t, events)
	assert.True(t, payload.Blocked)
	assert.Equal(t, "Not about pharmaceutical sales.", payload.Reason)
}

func TestRun_ScopeLLMMissingKeyAllows(t *testing.T) {
	script := happyScript()
	script[markerScope] = static(`{"reason": "looks fine"}`)
	runner := &fakeRunner{}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("what is the meaning of life"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 1, runner.callCount())
}

func TestRun_ValidatorRepairSucceeds(t *testing.T) {
	script := happyScript()
	script[markerGenerator] = static(`{"sql": "` + noLimitSQL + `"}`)
	script[markerRepair] = static(`{"sql": "` + validSQL + `"}`)
	runner := &fakeRunner{}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 1, res.Metrics.RetriesUsed)
	require.Len(t, res.Tasks, 1)
	assert.True(t, res.Tasks[0].Valid)
	assert.Equal(t, validSQL, res.Tasks[0].SQL)
	assert.Equal(t, noLimitSQL, res.Tasks[0].OriginalSQL)

	retries := events.ByKind(models.EventRetry)
	require.Len(t, retries, 1)
	payload, ok := retries[0].Data.(models.RetryPayload)
	require.True(t, ok)
	assert.Equal(t, models.RetryTypeValidator, payload.Type)
	assert.Equal(t, 1, payload.Attempt)
	assert.Equal(t, 2, payload.Max)
	assert.Equal(t, "missing-row-limit", payload.Reason)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, validSQL, runner.calls[0], "repaired SQL is what executes")
}

func TestRun_RepairBudgetExhausted(t *testing.T) {
	script := happyScript()
	script[markerGenerator] = static(`{"sql": "` + noLimitSQL + `"}`)
	script[markerRepair] = static(`{"sql": "` + noLimitSQL + `"}`)
	runner := &fakeRunner{}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "No analysis task could be completed.", res.Reason)
	assert.Zero(t, runner.callCount(), "invalid SQL never reaches the store")
	assert.Len(t, events.ByKind(models.EventRetry), 2, "repair attempts stop at the budget")

	require.Len(t, res.Tasks, 1)
	assert.False(t, res.Tasks[0].Valid)
	assert.NotEmpty(t, res.Tasks[0].Err)

	payload := completePayload(t, events)
	assert.False(t, payload.OK)
	assert.Equal(t, "No analysis task could be completed.", payload.Reason)
}

func TestRun_DBErrorRepairedAndRetried(t *testing.T) {
	script := happyScript()
	script[markerRepair] = static(`{"sql": "` + validSQL + `"}`)
	runner := &fakeRunner{}
	runner.handler = func(call int, _ string) (*executor.QueryResult, error) {
		if call == 1 {
			return nil, errors.New("ERROR: column net_sale does not exist (SQLSTATE 42703)")
		}
		return okResult(), nil
	}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, 1, res.Metrics.RetriesUsed)

	retries := events.ByKind(models.EventRetry)
	require.Len(t, retries, 1)
	payload, ok := retries[0].Data.(models.RetryPayload)
	require.True(t, ok)
	assert.Equal(t, models.RetryTypeDB, payload.Type)
	assert.Equal(t, "unknown column", payload.Reason)
}

func TestRun_NonRepairableDBErrorFailsTask(t *testing.T) {
	script := happyScript()
	runner := &fakeRunner{}
	runner.handler = func(int, string) (*executor.QueryResult, error) {
		return nil, errors.New("ERROR: permission denied for table fact_sales")
	}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, 1, runner.callCount(), "no repair attempt for non-structural errors")
	assert.Empty(t, events.ByKind(models.EventRetry))
	require.Len(t, res.Tasks, 1)
	assert.Contains(t, res.Tasks[0].Err, "permission denied")
}

func TestRun_PartialInsights(t *testing.T) {
	script := happyScript()
	script[markerGrounding] = static(`{"tables": ["fact_sales", "dim_time", "dim_product", "dim_territory"], ` +
		`"columns": ["net_sales_usd", "year_quarter", "region"], ` +
		`"filters": ["brand_name = 'Cardivex'", "region = 'Northeast'"], ` +
		`"time_range": "2024", "metrics": ["net_sales_usd"]}`)
	script[markerPlanner] = static(`{"tasks": [` +
		`{"title": "Overall trend"}, ` +
		`{"title": "Northeast breakdown"}, ` +
		`{"title": "Top products"}]}`)
	script[markerGenerator] = func(prompt, _ string) (string, error) {
		if strings.Contains(prompt, "Northeast breakdown") {
			return `{"sql": "` + regionSQL + `"}`, nil
		}
		return `{"sql": "` + validSQL + `"}`, nil
	}
	runner := &fakeRunner{}
	runner.handler = func(_ int, sqlText string) (*executor.QueryResult, error) {
		if sqlText == regionSQL {
			return nil, errors.New("ERROR: permission denied for table fact_sales")
		}
		return okResult(), nil
	}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(),
		testInput("why did Cardivex sales decline in the Northeast in 2024?"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, models.ModeInsights, res.Mode)
	require.Len(t, res.Tasks, 3)

	var failed int
	for _, task := range res.Tasks {
		if task.Err != "" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	sqlEvents := events.ByKind(models.EventArtifactSQL)
	require.Len(t, sqlEvents, 1)
	sqlPayload, ok := sqlEvents[0].Data.(models.ArtifactSQLPayload)
	require.True(t, ok)
	assert.Len(t, sqlPayload.Tasks, 3)
	assert.Len(t, events.ByKind(models.EventArtifactTable), 2)

	payload := completePayload(t, events)
	assert.True(t, payload.OK, "partial results still complete ok")
}

func TestRun_SimpleModeSingleTask(t *testing.T) {
	script := happyScript()
	script[markerPlanner] = static(`{"tasks": [` +
		`{"title": "First"}, {"title": "Second"}, {"title": "Third"}]}`)
	runner := &fakeRunner{}
	p := newTestPipeline(t, script.client(), runner)

	res, err := p.Run(context.Background(),
		testInput("Cardivex sales by quarter in 2024"), NewCollector())
	require.NoError(t, err)

	require.Len(t, res.Tasks, 1, "simple questions run a single task")
	assert.Equal(t, "First", res.Tasks[0].Title)
	assert.Equal(t, 1, runner.callCount())
}

func TestRun_ChartUnavailableWhenNoRows(t *testing.T) {
	script := happyScript()
	runner := &fakeRunner{}
	runner.handler = func(int, string) (*executor.QueryResult, error) {
		return &executor.QueryResult{Columns: []string{"quarter", "net_sales"}, Rows: nil, RowCount: 0}, nil
	}
	p := newTestPipeline(t, script.client(), runner)
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	require.NotNil(t, res.Chart)
	assert.False(t, res.Chart.Available)

	charts := events.ByKind(models.EventArtifactChart)
	require.Len(t, charts, 1)
	spec, ok := charts[0].Data.(*models.ChartSpec)
	require.True(t, ok)
	assert.False(t, spec.Available)
}

func TestRun_LLMFailureAborts(t *testing.T) {
	script := happyScript()
	script[markerGrounding] = func(string, string) (string, error) {
		return "", llm.NewError(llm.ErrorTypeAuth, "authentication failed", false, nil)
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(context.Background(), testInput("Cardivex sales by quarter in 2024"), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "The analysis could not be completed.", res.Reason)

	errorEvents := events.ByKind(models.EventError)
	require.Len(t, errorEvents, 1)
	payload := completePayload(t, events)
	assert.False(t, payload.OK)
}

func TestRun_CancellationEndsWithoutTerminalEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	script := happyScript()
	script[markerGrounding] = func(string, string) (string, error) {
		cancel()
		return "", context.Canceled
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})
	events := NewCollector()

	res, err := p.Run(ctx, testInput("Cardivex sales by quarter in 2024"), events)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	assert.Empty(t, events.ByKind(models.EventComplete))
	assert.Empty(t, events.ByKind(models.EventMetrics))
	assert.Empty(t, events.ByKind(models.EventAudit))
}

func TestRun_MemoryContextFeedsGrounding(t *testing.T) {
	var groundingSystem string
	script := happyScript()
	base := script[markerGrounding]
	script[markerGrounding] = func(prompt, system string) (string, error) {
		groundingSystem = system
		return base(prompt, system)
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	input := testInput("what about trx in the Northeast region?")
	input.Memory = &memory.Bundle{
		Summary: "User analyzed Cardivex quarterly net sales for 2024.",
		LastSQLIntent: &models.SQLIntent{
			Metric: "net_sales_usd",
			Tables: []string{"fact_sales", "dim_time", "dim_product"},
			Filters: []models.Filter{
				{Column: "brand_name", Op: "=", Value: "Cardivex"},
			},
		},
	}
	res, err := p.Run(context.Background(), input, NewCollector())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	assert.Contains(t, groundingSystem, "PREVIOUS INTENT")
	assert.Contains(t, groundingSystem, "Cardivex")
	assert.Contains(t, groundingSystem, "CONVERSATION SUMMARY")
}

func TestRun_HistoryWindowInGeneratorPrompt(t *testing.T) {
	var generatorSystem string
	script := happyScript()
	base := script[markerGenerator]
	script[markerGenerator] = func(prompt, system string) (string, error) {
		generatorSystem = system
		return base(prompt, system)
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	input := testInput("Cardivex sales by quarter in 2024")
	for i := 0; i < 8; i++ {
		input.History = append(input.History, memory.RecentMessage{
			Role:    "user",
			Content: fmt.Sprintf("history message %d", i),
		})
	}
	_, err := p.Run(context.Background(), input, NewCollector())
	require.NoError(t, err)

	assert.Contains(t, generatorSystem, "history message 7")
	assert.Contains(t, generatorSystem, "history message 2")
	assert.NotContains(t, generatorSystem, "history message 0", "window keeps only recent messages")
	assert.NotContains(t, generatorSystem, "history message 1")
}

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantMsg  string
		wantMode string
	}{
		{"plain question", "Cardivex sales in 2024", "Cardivex sales in 2024", models.ModeSimple},
		{"insight keyword", "why did sales drop?", "why did sales drop?", models.ModeInsights},
		{"control chars stripped", "sales\x00 by\x1b region", "sales by region", models.ModeSimple},
		{"whitespace trimmed", "  top products  ", "top products", models.ModeSimple},
		{"newlines kept", "sales\nby region", "sales\nby region", models.ModeSimple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, mode := preprocess(tt.input)
			assert.Equal(t, tt.wantMsg, msg)
			assert.Equal(t, tt.wantMode, mode)
		})
	}
}

func TestPlan_SamePromptForSameIntent(t *testing.T) {
	grounded := &GroundedIntent{
		Tables:  []string{"fact_sales", "dim_product"},
		Columns: []string{"net_sales_usd", "brand_name"},
		Filters: []string{"brand_name = 'Cardivex'"},
		Metrics: []string{"net_sales_usd"},
	}

	var systems []string
	script := llmScript{
		markerPlanner: func(_, system string) (string, error) {
			systems = append(systems, system)
			return `{"tasks": [{"title": "Cardivex net sales"}]}`, nil
		},
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	for i := 0; i < 2; i++ {
		tasks, err := p.plan(context.Background(), &runState{}, NewCollector(),
			"Cardivex sales", models.ModeSimple, grounded)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "Cardivex net sales", tasks[0].Title)
	}

	require.Len(t, systems, 2)
	assert.Equal(t, systems[0], systems[1], "identical intent builds an identical prompt")
}

func TestPlan_DegenerateResponseFallsBack(t *testing.T) {
	script := llmScript{markerPlanner: static(`{"tasks": []}`)}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	tasks, err := p.plan(context.Background(), &runState{}, NewCollector(),
		"Cardivex sales", models.ModeSimple, &GroundedIntent{Tables: []string{"fact_sales"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Main query", tasks[0].Title)
}

func TestPlan_CapsTaskCount(t *testing.T) {
	script := llmScript{markerPlanner: static(`{"tasks": [` +
		`{"title": "a"}, {"title": "b"}, {"title": "c"}, {"title": "d"}, ` +
		`{"title": "e"}, {"title": "f"}]}`)}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	tasks, err := p.plan(context.Background(), &runState{}, NewCollector(),
		"why did sales decline?", models.ModeInsights, &GroundedIntent{Tables: []string{"fact_sales"}})
	require.NoError(t, err)
	assert.Len(t, tasks, maxPlannedTasks)
}

func TestGround_DropsUnknownColumnsAndCarriesGrain(t *testing.T) {
	script := llmScript{
		markerGrounding: static(`{"tables": ["fact_sales", "dim_time"], ` +
			`"columns": ["net_sales_usd", "dt.year_quarter", "velocity_score"], ` +
			`"filters": [], "time_range": "2024", "grain": "Quarter", ` +
			`"metrics": ["net_sales_usd"]}`),
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	grounded, questions, err := p.ground(context.Background(), &runState{}, NewCollector(),
		testInput("Cardivex sales by quarter"), "Cardivex sales by quarter")
	require.NoError(t, err)
	require.Empty(t, questions)
	require.NotNil(t, grounded)

	assert.Equal(t, []string{"net_sales_usd", "year_quarter"}, grounded.Columns,
		"qualified names are normalized, columns the catalog does not know are dropped")
	assert.Equal(t, "quarter", grounded.Grain)
}

func TestGround_UnrecognizedGrainDropped(t *testing.T) {
	script := llmScript{
		markerGrounding: static(`{"tables": ["fact_sales"], "columns": ["net_sales_usd"], ` +
			`"filters": [], "grain": "fortnight", "metrics": ["net_sales_usd"]}`),
	}
	p := newTestPipeline(t, script.client(), &fakeRunner{})

	grounded, _, err := p.ground(context.Background(), &runState{}, NewCollector(),
		testInput("Cardivex sales"), "Cardivex sales")
	require.NoError(t, err)
	require.NotNil(t, grounded)
	assert.Empty(t, grounded.Grain)
}

func TestVagueInsightQuestions_PluralMentionsAnchor(t *testing.T) {
	p := newTestPipeline(t, happyScript().client(), &fakeRunner{})

	// Plural product and region mentions still count as anchors.
	missing := p.vagueInsightQuestions(wordSet("why did cardivexes decline in the northeast"))
	require.Len(t, missing, 1)
	assert.Contains(t, missing[0], "time period")

	missing = p.vagueInsightQuestions(wordSet("why are cardiovasculars trending down in 2024"))
	require.Len(t, missing, 1)
	assert.Contains(t, missing[0], "region")

	// No anchors at all: every clarifying question is raised.
	missing = p.vagueInsightQuestions(wordSet("why did sales decline"))
	assert.Len(t, missing, 3)
}
