package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

const maxPlannedTasks = 4

// plan decomposes the grounded intent into analysis tasks: one for a simple
// question, three to four for an insights question. Temperature zero keeps
// the decomposition deterministic for a given intent; a degenerate LLM
// response falls back to a single task.
func (p *Pipeline) plan(ctx context.Context, st *runState, emit Emitter, msg, mode string, grounded *GroundedIntent) ([]*Task, error) {
	emit.Emit(models.NewStatusEvent("analysis_planner", "Planning analysis…"))

	taskCount := "1"
	if mode == models.ModeInsights {
		taskCount = "3-4"
	}

	system := "You are an analysis planner for a pharmaceutical data analyst bot.\n" +
		fmt.Sprintf("Create %s analysis tasks to answer the user's question.\n\n", taskCount) +
		"SCHEMA:\n" + p.catalog.PromptSummary() + "\n\n" +
		"GROUNDING:\n" + grounded.JSON() + "\n\n" +
		"Return JSON: {\"tasks\": [{\"title\": \"...\", \"description\": \"...\"}]}\n" +
		"Each task should be a self-contained analytical query. " +
		"Keep titles concise (under 10 words)."

	type plannedTask struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	type planResponse struct {
		Tasks []plannedTask `json:"tasks"`
	}
	resp, err := callJSON[planResponse](ctx, p, st, system, msg, 0)
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for i, t := range resp.Tasks {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = fmt.Sprintf("Task %d", i+1)
		}
		tasks = append(tasks, &Task{Title: title})
		if len(tasks) == maxPlannedTasks {
			break
		}
	}
	if len(tasks) == 0 {
		tasks = []*Task{{Title: "Main query"}}
	}
	if mode == models.ModeSimple && len(tasks) > 1 {
		tasks = tasks[:1]
	}
	for _, t := range tasks {
		t.Expected = grounded.Tables
	}

	p.logger.Info("plan built", zap.Int("tasks", len(tasks)), zap.String("mode", mode))
	return tasks, nil
}
