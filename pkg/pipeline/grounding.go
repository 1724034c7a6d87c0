package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/jsonutil"
	"github.com/rxlytics/analyst-engine/pkg/memory"
	"github.com/rxlytics/analyst-engine/pkg/models"
)

// GroundedIntent is the grounding stage's output: the question mapped onto
// concrete catalog entities.
type GroundedIntent struct {
	Tables    []string `json:"tables"`
	Columns   []string `json:"columns"`
	Filters   []string `json:"filters"`
	TimeRange string   `json:"time_range,omitempty"`
	Grain     string   `json:"grain,omitempty"`
	Metrics   []string `json:"metrics"`
	Notes     string   `json:"notes,omitempty"`
}

// Aggregation grains the grounding stage may emit; anything else is dropped.
var knownGrains = map[string]bool{
	"day": true, "week": true, "month": true, "quarter": true, "year": true,
}

// JSON renders the intent for inclusion in downstream prompts.
func (g *GroundedIntent) JSON() string {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ground maps the question to schema concepts via an LLM JSON call, feeding
// it the catalog summary and the conversation memory so follow-up references
// resolve against the previous intent instead of re-asking the user. Entities
// the catalog does not know are dropped; if nothing usable remains the run
// asks for clarification rather than guessing.
func (p *Pipeline) ground(ctx context.Context, st *runState, emit Emitter, input Input, msg string) (*GroundedIntent, []string, error) {
	emit.Emit(models.NewStatusEvent("semantic_grounding", "Mapping to schema…"))

	var b strings.Builder
	b.WriteString("You are a semantic grounding agent. Given a user question and the database schema below, ")
	b.WriteString("identify the relevant tables, columns, filters, time ranges, aggregation grain, and metrics.\n\n")
	b.WriteString("SCHEMA:\n" + p.catalog.PromptSummary() + "\n")
	b.WriteString(memoryContext(input.Memory))
	b.WriteString("\nReturn JSON: {\"tables\": [...], \"columns\": [...], \"filters\": [...], " +
		"\"time_range\": \"...\", \"grain\": \"day|week|month|quarter|year\", " +
		"\"metrics\": [...], \"notes\": \"...\"}\n" +
		"If the question is a follow-up (e.g. \"what about in the Northeast?\"), resolve the " +
		"missing metric, product, and tables from PREVIOUS INTENT and only change what the " +
		"user asked to change.")

	type groundingResponse struct {
		Tables    json.RawMessage `json:"tables"`
		Columns   json.RawMessage `json:"columns"`
		Filters   json.RawMessage `json:"filters"`
		TimeRange json.RawMessage `json:"time_range"`
		Grain     json.RawMessage `json:"grain"`
		Metrics   json.RawMessage `json:"metrics"`
		Notes     json.RawMessage `json:"notes"`
	}
	resp, err := callJSON[groundingResponse](ctx, p, st, b.String(), msg, 0)
	if err != nil {
		return nil, nil, err
	}

	grounded := &GroundedIntent{
		Filters:   jsonutil.FlexibleStringSlice(resp.Filters),
		TimeRange: jsonutil.FlexibleStringValue(resp.TimeRange),
		Notes:     jsonutil.FlexibleStringValue(resp.Notes),
	}
	if g := strings.ToLower(strings.TrimSpace(jsonutil.FlexibleStringValue(resp.Grain))); knownGrains[g] {
		grounded.Grain = g
	}

	// Tables, columns, and metrics the catalog does not know are dropped
	// here so downstream prompts and the persisted memory context only ever
	// reference real schema entities.
	var dropped []string
	for _, t := range jsonutil.FlexibleStringSlice(resp.Tables) {
		name := strings.ToLower(strings.TrimSpace(t))
		if p.catalog.HasTable(name) {
			grounded.Tables = append(grounded.Tables, name)
		} else {
			dropped = append(dropped, name)
		}
	}
	for _, col := range jsonutil.FlexibleStringSlice(resp.Columns) {
		name := strings.ToLower(strings.TrimSpace(col))
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if p.catalog.HasColumn(name) {
			grounded.Columns = append(grounded.Columns, name)
		} else {
			dropped = append(dropped, name)
		}
	}
	for _, m := range jsonutil.FlexibleStringSlice(resp.Metrics) {
		name := strings.ToLower(strings.TrimSpace(m))
		if p.catalog.HasMetric(name) {
			grounded.Metrics = append(grounded.Metrics, name)
		}
	}

	if len(dropped) > 0 {
		p.logger.Info("grounding dropped unknown entities",
			zap.String("request_id", input.RequestID),
			zap.Strings("dropped", dropped))
	}

	if len(grounded.Tables) == 0 {
		return nil, []string{
			"Which product or therapeutic area are you asking about?",
			"Which metric do you mean (sales, units, prescriptions)?",
			"What time period should the analysis cover?",
		}, nil
	}

	p.logger.Info("grounding done",
		zap.String("request_id", input.RequestID),
		zap.Strings("tables", grounded.Tables),
		zap.Strings("metrics", grounded.Metrics))
	return grounded, nil, nil
}

// memoryContext renders the conversation memory for the grounding prompt.
func memoryContext(bundle *memory.Bundle) string {
	if bundle == nil {
		return ""
	}

	var b strings.Builder
	if bundle.Summary != "" {
		b.WriteString("\nCONVERSATION SUMMARY:\n" + bundle.Summary + "\n")
	}
	if bundle.Context != nil {
		if data, err := json.Marshal(bundle.Context); err == nil {
			b.WriteString("\nACTIVE CONTEXT:\n" + string(data) + "\n")
		}
	}
	if bundle.LastSQLIntent != nil {
		if data, err := json.Marshal(bundle.LastSQLIntent); err == nil {
			b.WriteString("\nPREVIOUS INTENT (last answered question):\n" + string(data) + "\n")
		}
	}
	return b.String()
}
