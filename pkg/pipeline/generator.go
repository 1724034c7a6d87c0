package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/sqlguard"
)

const historyExcerptLen = 200

// sqlRules is shared by generation and repair prompts. The alias and join
// hints keep the model off the most common mistakes against this schema.
const sqlRules = "Rules:\n" +
	"- Use these aliases: fact_sales AS fs, dim_product AS dp, dim_territory AS dtr, dim_time AS dt.\n" +
	"- The date column is on fact_sales (fs.date) and dim_time (dt.date). dim_territory does NOT have a date column.\n" +
	"- JOIN fact_sales to dim_time via fs.date = dt.date to get year, quarter, month etc.\n" +
	"- JOIN fact_sales to dim_territory via fs.territory_id = dtr.territory_id for region, state etc.\n" +
	"- JOIN fact_sales to dim_product via fs.product_id = dp.product_id for brand_name etc.\n" +
	"- Use aggregation functions (SUM, AVG, COUNT) as appropriate.\n" +
	"- Include ORDER BY and a reasonable LIMIT.\n" +
	"- Alias columns with readable names.\n" +
	"- Do NOT use CTEs unless necessary."

type sqlResponse struct {
	SQL string `json:"sql"`
}

// generateSQL produces a candidate statement for every planned task.
func (p *Pipeline) generateSQL(ctx context.Context, st *runState, emit Emitter, input Input, msg string, grounded *GroundedIntent, tasks []*Task) error {
	emit.Emit(models.NewStatusEvent("sql_generator", "Generating SQL…"))

	system := "You are a PostgreSQL SQL generator for pharmaceutical sales data.\n" +
		"SCHEMA:\n" + p.catalog.PromptSummary() + "\n\n" +
		"GROUNDING:\n" + grounded.JSON() + "\n\n" +
		"POLICY: " + p.catalog.PolicySummary() + "\n" +
		historyText(input.History, p.agent.HistoryWindow) +
		"Generate ONLY a valid PostgreSQL SELECT query. No explanation.\n" +
		"Return JSON: {\"sql\": \"SELECT ...\"}\n" +
		sqlRules

	for _, task := range tasks {
		prompt := fmt.Sprintf("Task: %s\nUser question: %s", task.Title, msg)
		resp, err := callJSON[sqlResponse](ctx, p, st, system, prompt, 0)
		if err != nil {
			return err
		}
		task.SQL = strings.TrimSpace(resp.SQL)
		task.OriginalSQL = task.SQL
		p.logger.Info("sql generated",
			zap.String("task", task.Title),
			zap.String("sql", truncate(task.SQL, 100)))
	}
	return nil
}

// validateTasks statically checks every task against the catalog policy.
func (p *Pipeline) validateTasks(emit Emitter, tasks []*Task) {
	emit.Emit(models.NewStatusEvent("sql_validator", "Validating SQL…"))

	for _, task := range tasks {
		result := sqlguard.ValidateSQL(task.SQL, p.catalog, task.Expected)
		task.Valid = result.Valid
		task.Tables = result.TablesUsed
		if result.Valid {
			task.Err = ""
		} else {
			task.Err = result.ErrorText()
			p.logger.Warn("validation failed",
				zap.String("task", task.Title),
				zap.String("reasons", task.Err))
		}
	}
}

// repairInvalid re-generates SQL for tasks that failed validation, feeding
// the failure reasons back as corrective context. Bounded per task by the
// configured repair budget; a task that exhausts it stays failed while its
// siblings continue.
func (p *Pipeline) repairInvalid(ctx context.Context, st *runState, emit Emitter, tasks []*Task) error {
	maxRetries := p.agent.MaxRepairRetries

	for _, task := range tasks {
		if task.Valid {
			continue
		}
		for attempt := 1; attempt <= maxRetries; attempt++ {
			result := sqlguard.ValidateSQL(task.SQL, p.catalog, task.Expected)
			reason := result.ShortReason()
			if reason == "" {
				reason = "validation error"
			}
			st.addRetry()

			emit.Emit(models.NewStatusEvent("sql_repair",
				fmt.Sprintf("SQL failed validation → repair (%d/%d)", attempt, maxRetries)))
			emit.Emit(models.NewRetryEvent(models.RetryTypeValidator, attempt, maxRetries, reason))

			repaired, err := p.repairSQL(ctx, st, task, task.Err, "The SQL below failed validation.")
			if err != nil {
				return err
			}
			task.SQL = repaired

			check := sqlguard.ValidateSQL(task.SQL, p.catalog, task.Expected)
			task.Valid = check.Valid
			task.Tables = check.TablesUsed
			if check.Valid {
				task.Err = ""
				p.logger.Info("sql repaired",
					zap.String("task", task.Title),
					zap.Int("attempt", attempt))
				break
			}
			task.Err = check.ErrorText()
		}
	}
	return nil
}

// repairSQL asks the LLM for a corrected statement, keeping the query
// intent fixed.
func (p *Pipeline) repairSQL(ctx context.Context, st *runState, task *Task, errorText, cause string) (string, error) {
	system := "You are a SQL repair agent. " + cause + "\n" +
		"SCHEMA:\n" + p.catalog.PromptSummary() + "\n\n" +
		"POLICY: " + p.catalog.PolicySummary() + "\n\n" +
		"IMPORTANT: Use aliases: fact_sales AS fs, dim_product AS dp, dim_territory AS dtr, dim_time AS dt.\n" +
		"The date column belongs to fact_sales (fs.date) and dim_time (dt.date). dim_territory does NOT have a date column.\n\n" +
		"Error: " + errorText + "\n" +
		"Original SQL:\n" + task.SQL + "\n\n" +
		"Return JSON: {\"sql\": \"SELECT ...\"}\n" +
		"Fix ONLY the errors. Keep the query intent the same."

	resp, err := callJSON[sqlResponse](ctx, p, st, system, "Fix this SQL for: "+task.Title, 0)
	if err != nil {
		return "", err
	}
	repaired := strings.TrimSpace(resp.SQL)
	if repaired == "" {
		return task.SQL, nil
	}
	return repaired, nil
}

// historyText renders the recent conversation window for the generator
// prompt.
func historyText(history []memory.RecentMessage, window int) string {
	if len(history) == 0 {
		return ""
	}
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	var lines []string
	for _, h := range history {
		content := h.Content
		if len(content) > historyExcerptLen {
			content = content[:historyExcerptLen]
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(h.Role), content))
	}
	return "\nRecent conversation:\n" + strings.Join(lines, "\n") + "\n"
}
