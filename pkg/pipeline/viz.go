package pipeline

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

const chartSampleRows = 5

// buildChart proposes a chart for the first succeeded task whose result has
// a chartable shape. The spec is purely descriptive and never executed; a
// failure here degrades to "no chart available", never to a run error.
func (p *Pipeline) buildChart(ctx context.Context, st *runState, emit Emitter, msg string, tasks []*Task) *models.ChartSpec {
	emit.Emit(models.NewStatusEvent("viz_builder", "Building visualisation…"))

	unavailable := &models.ChartSpec{Available: false}

	var source *Task
	for _, t := range tasks {
		if t.Result != nil && t.Result.RowCount > 0 && len(t.Result.Columns) >= 2 {
			source = t
			break
		}
	}
	if source == nil {
		emit.Emit(models.NewEvent(models.EventArtifactChart, unavailable))
		return unavailable
	}

	sample := source.Result.Rows
	if len(sample) > chartSampleRows {
		sample = sample[:chartSampleRows]
	}
	preview, err := json.Marshal(map[string]any{
		"columns":     source.Result.Columns,
		"sample_rows": sample,
	})
	if err != nil {
		emit.Emit(models.NewEvent(models.EventArtifactChart, unavailable))
		return unavailable
	}

	system := "You are a data visualisation advisor. Given a query result preview, " +
		"suggest the best chart type and axes.\n" +
		"Return JSON: {\"chart_type\": \"bar|line|pie|table\", " +
		"\"x_column\": \"...\", \"y_column\": \"...\", " +
		"\"title\": \"...\", \"available\": true}\n" +
		"If the data is not suitable for a chart, set available=false."

	spec, err := callJSON[models.ChartSpec](ctx, p, st, system,
		"Question: "+msg+"\nData:\n"+string(preview), 0)
	if err != nil {
		p.logger.Warn("chart advisor failed", zap.Error(err))
		emit.Emit(models.NewEvent(models.EventArtifactChart, unavailable))
		return unavailable
	}

	emit.Emit(models.NewEvent(models.EventArtifactChart, &spec))
	return &spec
}
