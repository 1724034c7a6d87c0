package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

const synthesisSampleRows = 10

// synthesize composes the final answer strictly from the executed table
// artifacts, emits the answer metadata, then streams the answer word by
// word for the live typing effect.
func (p *Pipeline) synthesize(ctx context.Context, st *runState, emit Emitter, msg string, tasks []*Task) (string, []string, []string, error) {
	emit.Emit(models.NewStatusEvent("response_synthesizer", "Writing answer…"))

	var parts []string
	for _, task := range tasks {
		switch {
		case task.Result != nil && task.Result.RowCount > 0:
			sample := task.Result.Rows
			if len(sample) > synthesisSampleRows {
				sample = sample[:synthesisSampleRows]
			}
			var rows []string
			for _, r := range sample {
				rows = append(rows, fmt.Sprintf("%v", r))
			}
			parts = append(parts, fmt.Sprintf(
				"Task: %s\nColumns: %s\nRows (%d total):\n%s",
				task.Title,
				strings.Join(task.Result.Columns, ", "),
				task.Result.RowCount,
				strings.Join(rows, "\n")))
		case task.Err != "":
			parts = append(parts, fmt.Sprintf("Task: %s\nError: %s", task.Title, task.Err))
		}
	}
	resultsText := "No data was returned."
	if len(parts) > 0 {
		resultsText = strings.Join(parts, "\n\n")
	}

	system := "You are a pharmaceutical data analyst presenting query results.\n" +
		"Return a JSON object with exactly these keys:\n" +
		"{\n" +
		"  \"answer\": \"...\",\n" +
		"  \"assumptions\": [\"...\", \"...\"],\n" +
		"  \"follow_ups\": [\"...\", \"...\"]\n" +
		"}\n\n" +
		"Rules for the 'answer' field:\n" +
		"- Write a clear, professional summary of the findings.\n" +
		"- You may use markdown headings (## or ###), bold (**text**), and bullet lists.\n" +
		"- Mention specific values, percentages, and trends from the data.\n" +
		"- NEVER include SQL code, query text, or table names in the answer.\n" +
		"- Keep it under 250 words.\n" +
		"- If there were errors, explain what happened.\n\n" +
		"Rules for 'assumptions':\n" +
		"- List 1-3 key assumptions made (e.g. time range, metric used, filters applied).\n" +
		"- Each assumption should be a short sentence.\n\n" +
		"Rules for 'follow_ups':\n" +
		"- Suggest 2-3 natural follow-up questions the user might ask next.\n" +
		"- Keep each under 12 words.\n" +
		"- Make them specific and actionable."

	type synthesisResponse struct {
		Answer      string   `json:"answer"`
		Assumptions []string `json:"assumptions"`
		FollowUps   []string `json:"follow_ups"`
	}
	prompt := fmt.Sprintf("User question: %s\n\nQuery results:\n%s", msg, resultsText)
	resp, err := callJSON[synthesisResponse](ctx, p, st, system, prompt, 0)
	if err != nil {
		return "", nil, nil, err
	}

	answer := resp.Answer
	if answer == "" {
		answer = "I was unable to generate a summary."
	}

	// Metadata streams before the answer tokens so clients can render the
	// assumptions panel while text is still arriving.
	emit.Emit(models.NewEvent(models.EventAnswerMeta, models.AnswerMetaPayload{
		Assumptions: resp.Assumptions,
		FollowUps:   resp.FollowUps,
	}))

	if err := p.streamWords(ctx, st, emit, answer); err != nil {
		return "", nil, nil, err
	}
	return answer, resp.Assumptions, resp.FollowUps, nil
}
