// Package pipeline implements the multi-stage analysis state machine: one
// user utterance in, validated SQL out through bounded repair loops, with
// granular progress events streamed along the way. Stages run strictly in
// order; only independent SQL tasks fan out, under a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/catalog"
	"github.com/rxlytics/analyst-engine/pkg/config"
	"github.com/rxlytics/analyst-engine/pkg/executor"
	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/retry"
)

// Outcome is the terminal state of one run.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomePartial            Outcome = "partial"
	OutcomeBlocked            Outcome = "blocked"
	OutcomeNeedsClarification Outcome = "needs_clarification"
	OutcomeError              Outcome = "error"
)

// QueryRunner executes one pre-validated SQL statement against the analytic
// store. *executor.Executor is the production implementation.
type QueryRunner interface {
	Execute(ctx context.Context, sqlText string) (*executor.QueryResult, error)
}

// Task is one planned unit of SQL work. A task that exhausts its repair
// budget fails alone; sibling tasks continue independently. Expected holds
// the grounded intent's table set; the validator rejects statements that
// wander outside it. Tables tracks what the current SQL actually references.
type Task struct {
	Title       string
	SQL         string
	OriginalSQL string
	Valid       bool
	Expected    []string
	Tables      []string
	Result      *executor.QueryResult
	Err         string
}

func (t *Task) errPtr() *string {
	if t.Err == "" {
		return nil
	}
	e := t.Err
	return &e
}

// Input is everything a run needs from the caller.
type Input struct {
	RequestID string
	UserID    uuid.UUID
	Message   string
	History   []memory.RecentMessage
	Memory    *memory.Bundle
}

// Result is the run's final state, for persistence and memory updates.
type Result struct {
	Outcome     Outcome
	Mode        string
	Answer      string
	Assumptions []string
	FollowUps   []string
	Tasks       []*Task
	Chart       *models.ChartSpec
	Grounded    *GroundedIntent
	TablesUsed  []string
	MetricsUsed []string
	Questions   []string
	Reason      string
	Metrics     models.RunMetrics
}

// SQLTasks renders the run's tasks as persistable artifacts.
func (r *Result) SQLTasks() []models.SQLTask {
	tasks := make([]models.SQLTask, len(r.Tasks))
	for i, t := range r.Tasks {
		tasks[i] = models.SQLTask{
			Title:  t.Title,
			SQL:    t.SQL,
			Tables: t.Tables,
			Error:  t.errPtr(),
		}
	}
	return tasks
}

// TableArtifacts renders the successful task results.
func (r *Result) TableArtifacts() []models.TableArtifact {
	var tables []models.TableArtifact
	for _, t := range r.Tasks {
		if t.Result == nil {
			continue
		}
		tables = append(tables, models.TableArtifact{
			TaskTitle: t.Title,
			Columns:   t.Result.Columns,
			Rows:      t.Result.Rows,
			RowCount:  t.Result.RowCount,
			Truncated: t.Result.Truncated,
		})
	}
	return tables
}

// Pipeline drives the ten-stage analysis state machine. Safe for concurrent
// use; all per-run state lives in the Run call.
type Pipeline struct {
	catalog  *catalog.Catalog
	llm      llm.LLMClient
	runner   QueryRunner
	agent    config.AgentConfig
	llmRetry *retry.Config
	security *audit.SecurityAuditor
	logger   *zap.Logger
}

// New creates a pipeline. llmMaxRetries bounds transient LLM retries per
// call site; zero falls back to the retry package default.
func New(
	cat *catalog.Catalog,
	llmClient llm.LLMClient,
	runner QueryRunner,
	agent config.AgentConfig,
	llmMaxRetries int,
	security *audit.SecurityAuditor,
	logger *zap.Logger,
) *Pipeline {
	retryCfg := retry.DefaultConfig()
	if llmMaxRetries > 0 {
		retryCfg.MaxRetries = llmMaxRetries
	}
	return &Pipeline{
		catalog:  cat,
		llm:      llmClient,
		runner:   runner,
		agent:    agent,
		llmRetry: retryCfg,
		security: security,
		logger:   logger.Named("pipeline"),
	}
}

// runState accumulates counters across stages. Task workers update it
// concurrently during the executor stage.
type runState struct {
	mu             sync.Mutex
	llmMs          int64
	dbMs           int64
	rowsReturned   int
	tokensStreamed int
	retriesUsed    int
}

func (s *runState) addLLM(d time.Duration) {
	s.mu.Lock()
	s.llmMs += d.Milliseconds()
	s.mu.Unlock()
}

func (s *runState) addDB(ms int64) {
	s.mu.Lock()
	s.dbMs += ms
	s.mu.Unlock()
}

func (s *runState) addRows(n int) {
	s.mu.Lock()
	s.rowsReturned += n
	s.mu.Unlock()
}

func (s *runState) addToken() {
	s.mu.Lock()
	s.tokensStreamed++
	s.mu.Unlock()
}

func (s *runState) addRetry() {
	s.mu.Lock()
	s.retriesUsed++
	s.mu.Unlock()
}

func (s *runState) snapshot(total time.Duration) models.RunMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.RunMetrics{
		TotalMs:        total.Milliseconds(),
		LLMMs:          s.llmMs,
		DBMs:           s.dbMs,
		RowsReturned:   s.rowsReturned,
		TokensStreamed: s.tokensStreamed,
		RetriesUsed:    s.retriesUsed,
	}
}

// Run executes the full pipeline for one request. Every run that is not
// cancelled ends with metrics, audit, and exactly one complete event, in
// that order. A context cancellation returns the context error; events
// already emitted stand.
func (p *Pipeline) Run(ctx context.Context, input Input, emit Emitter) (*Result, error) {
	start := time.Now()
	st := &runState{}
	res := &Result{Outcome: OutcomeOK}

	// Stage 1: preprocess.
	emit.Emit(models.NewStatusEvent("preprocess_input", "Preprocessing your question…"))
	msg, mode := preprocess(input.Message)
	res.Mode = mode
	if msg == "" {
		res.Outcome = OutcomeError
		res.Reason = "Please enter a question."
		emit.Emit(models.NewErrorEvent(res.Reason))
		p.finish(emit, input, st, res, start)
		return res, nil
	}
	p.logger.Info("preprocess done",
		zap.String("request_id", input.RequestID),
		zap.String("mode", mode))

	// Stage 2: scope and policy gate, rules first.
	decision, err := p.checkScope(ctx, st, emit, input, msg, mode)
	if err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}
	if decision.blocked {
		res.Outcome = OutcomeBlocked
		res.Reason = decision.reason
		rejection := "I can only help with pharmaceutical sales data questions. " + decision.reason
		emit.Emit(models.NewStatusEvent("response_synthesizer", "Responding…"))
		if err := p.streamWords(ctx, st, emit, rejection); err != nil {
			return nil, err
		}
		res.Answer = rejection
		p.finish(emit, input, st, res, start)
		return res, nil
	}
	if decision.needsClarification {
		return p.clarify(ctx, emit, input, st, res, start, decision.questions)
	}

	// Stage 3: semantic grounding.
	grounded, questions, err := p.ground(ctx, st, emit, input, msg)
	if err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}
	if len(questions) > 0 {
		return p.clarify(ctx, emit, input, st, res, start, questions)
	}
	res.Grounded = grounded
	res.TablesUsed = grounded.Tables
	res.MetricsUsed = grounded.Metrics

	// Stage 4: planner.
	tasks, err := p.plan(ctx, st, emit, msg, mode, grounded)
	if err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}
	res.Tasks = tasks

	// Stage 5: SQL generation.
	if err := p.generateSQL(ctx, st, emit, input, msg, grounded, tasks); err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}

	// Stage 6: static validation.
	p.validateTasks(emit, tasks)

	// Stage 7: bounded repair of invalid SQL.
	if err := p.repairInvalid(ctx, st, emit, tasks); err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}

	// Stage 8: execution under the worker pool, artifacts after the join.
	if err := p.executeTasks(ctx, st, emit, tasks); err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}

	// Stage 9: chart proposal. Never fails the run.
	res.Chart = p.buildChart(ctx, st, emit, msg, tasks)

	// Stage 10: answer synthesis and token streaming.
	answer, assumptions, followUps, err := p.synthesize(ctx, st, emit, msg, tasks)
	if err != nil {
		return p.abort(ctx, emit, input, st, res, start, err)
	}
	res.Answer = answer
	res.Assumptions = assumptions
	res.FollowUps = followUps

	succeeded := 0
	for _, t := range tasks {
		if t.Result != nil && t.Err == "" {
			succeeded++
		}
	}
	switch {
	case succeeded == len(tasks):
		res.Outcome = OutcomeOK
	case succeeded > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeError
		res.Reason = "No analysis task could be completed."
	}

	p.finish(emit, input, st, res, start)
	return res, nil
}

// clarify streams the clarification questions and finishes the run.
func (p *Pipeline) clarify(ctx context.Context, emit Emitter, input Input, st *runState, res *Result, start time.Time, questions []string) (*Result, error) {
	res.Outcome = OutcomeNeedsClarification
	res.Questions = questions

	var b strings.Builder
	b.WriteString("I'd like to help! Could you provide more details?\n")
	for _, q := range questions {
		b.WriteString("• " + q + "\n")
	}
	answer := strings.TrimRight(b.String(), "\n")

	emit.Emit(models.NewStatusEvent("response_synthesizer", "Asking for clarification…"))
	if err := p.streamWords(ctx, st, emit, answer); err != nil {
		return nil, err
	}
	res.Answer = answer
	p.finish(emit, input, st, res, start)
	return res, nil
}

// abort handles an unrecoverable stage failure. Cancellation propagates as
// an error without a terminal event; everything else still completes the
// event contract.
func (p *Pipeline) abort(ctx context.Context, emit Emitter, input Input, st *runState, res *Result, start time.Time, err error) (*Result, error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil, err
	}

	p.logger.Error("pipeline run failed",
		zap.String("request_id", input.RequestID),
		zap.Error(err))

	res.Outcome = OutcomeError
	res.Reason = "The analysis could not be completed."
	emit.Emit(models.NewErrorEvent(err.Error()))
	p.finish(emit, input, st, res, start)
	return res, nil
}

// finish emits the closing metrics, audit, and complete events. Exactly one
// complete event per run, always last.
func (p *Pipeline) finish(emit Emitter, input Input, st *runState, res *Result, start time.Time) {
	res.Metrics = st.snapshot(time.Since(start))
	emit.Emit(models.NewEvent(models.EventMetrics, res.Metrics))

	emit.Emit(models.NewEvent(models.EventAudit, models.AuditPayload{
		RequestID:          input.RequestID,
		Mode:               res.Mode,
		TasksCount:         len(res.Tasks),
		RetriesUsed:        res.Metrics.RetriesUsed,
		TablesUsed:         res.TablesUsed,
		SafetyChecksPassed: res.Outcome != OutcomeBlocked,
	}))

	complete := models.CompletePayload{OK: res.Outcome == OutcomeOK || res.Outcome == OutcomePartial}
	switch res.Outcome {
	case OutcomeBlocked:
		complete.Blocked = true
		complete.Reason = res.Reason
	case OutcomeNeedsClarification:
		complete.NeedsClarification = true
		complete.Questions = res.Questions
	case OutcomeError:
		complete.Reason = res.Reason
	}
	emit.Emit(models.NewCompleteEvent(complete))
}

// streamWords emits text word-by-word as token events, preserving order.
func (p *Pipeline) streamWords(ctx context.Context, st *runState, emit Emitter, text string) error {
	words := strings.Split(text, " ")
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := word
		if i != len(words)-1 {
			token += " "
		}
		emit.Emit(models.NewTokenEvent(token))
		st.addToken()
	}
	return nil
}
