package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rxlytics/analyst-engine/pkg/llm"
	"github.com/rxlytics/analyst-engine/pkg/retry"
)

// llmJSON runs one JSON-mode LLM call with transient-failure retries and
// accumulates its wall time into the run counters.
func (p *Pipeline) llmJSON(ctx context.Context, st *runState, system, prompt string, temperature float64) (string, error) {
	start := time.Now()
	defer func() { st.addLLM(time.Since(start)) }()

	var content string
	err := retry.DoIfRetryable(ctx, p.llmRetry, func() error {
		resp, err := p.llm.GenerateJSON(ctx, prompt, system, temperature)
		if err != nil {
			return err
		}
		content = resp.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm call failed: %w", err)
	}
	return content, nil
}

// callJSON runs llmJSON and parses the response into T.
func callJSON[T any](ctx context.Context, p *Pipeline, st *runState, system, prompt string, temperature float64) (T, error) {
	var zero T
	content, err := p.llmJSON(ctx, st, system, prompt, temperature)
	if err != nil {
		return zero, err
	}
	parsed, err := llm.ParseJSONResponse[T](content)
	if err != nil {
		return zero, fmt.Errorf("failed to parse llm response: %w", err)
	}
	return parsed, nil
}
