package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/executor"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/sqlguard"
)

// executeTasks runs every validated task against the analytic store under a
// bounded worker pool. Repairable database errors route back through the
// repair loop while budget remains; data-level outcomes (empty results) are
// never repaired. Artifact events are emitted after the join, in task
// declaration order, so clients render deterministically regardless of
// completion order.
func (p *Pipeline) executeTasks(ctx context.Context, st *runState, emit Emitter, tasks []*Task) error {
	emit.Emit(models.NewStatusEvent("sql_executor", "Running queries…"))

	sem := make(chan struct{}, p.agent.WorkerConcurrency)
	var wg sync.WaitGroup
	for _, task := range tasks {
		if !task.Valid {
			if task.Err == "" {
				task.Err = "SQL validation failed"
			}
			continue
		}
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.runTask(ctx, st, emit, task)
		}(task)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var sqlArtifacts []models.SQLTask
	for _, task := range tasks {
		sqlArtifacts = append(sqlArtifacts, models.SQLTask{
			Title:  task.Title,
			SQL:    task.SQL,
			Tables: task.Tables,
			Error:  task.errPtr(),
		})
	}
	emit.Emit(models.NewEvent(models.EventArtifactSQL, models.ArtifactSQLPayload{Tasks: sqlArtifacts}))

	for _, task := range tasks {
		if task.Result == nil {
			continue
		}
		emit.Emit(models.NewEvent(models.EventArtifactTable, models.TableArtifact{
			TaskTitle: task.Title,
			Columns:   task.Result.Columns,
			Rows:      task.Result.Rows,
			RowCount:  task.Result.RowCount,
			Truncated: task.Result.Truncated,
		}))
	}
	return nil
}

// runTask executes one task with bounded auto-repair on known SQL
// structural errors. A repair that fails re-validation ends the task; the
// budget is shared with the validator repair loop semantics (same cap).
func (p *Pipeline) runTask(ctx context.Context, st *runState, emit Emitter, task *Task) {
	maxRetries := p.agent.MaxRepairRetries
	maxAttempts := maxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := p.runner.Execute(ctx, task.SQL)
		if err == nil {
			task.Result = result
			task.Err = ""
			st.addDB(result.DBMs)
			st.addRows(result.RowCount)
			return
		}

		task.Err = err.Error()
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("execution failed",
			zap.String("task", task.Title),
			zap.Int("attempt", attempt),
			zap.String("error", truncate(task.Err, 200)))

		if attempt >= maxAttempts || !executor.IsRepairableError(task.Err) {
			return
		}

		reason := executor.ShortErrorReason(task.Err)
		st.addRetry()
		emit.Emit(models.NewStatusEvent("sql_repair",
			fmt.Sprintf("Query error → repair (%d/%d)", attempt, maxRetries)))
		emit.Emit(models.NewRetryEvent(models.RetryTypeDB, attempt, maxRetries, reason))

		repaired, rerr := p.repairSQL(ctx, st, task, task.Err, "The query below produced a database error.")
		if rerr != nil {
			p.logger.Warn("db repair call failed",
				zap.String("task", task.Title),
				zap.Error(rerr))
			return
		}
		task.SQL = repaired

		// Repaired SQL re-enters the static gate before touching the store.
		check := sqlguard.ValidateSQL(task.SQL, p.catalog, task.Expected)
		if !check.Valid {
			task.Err = check.ErrorText()
			return
		}
		task.Tables = check.TablesUsed
	}
}
