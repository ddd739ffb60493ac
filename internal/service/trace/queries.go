package trace

import (
	"context"
	"fmt"
	"math"

	"github.com/ashita-ai/kiseki/internal/model"
)

// TaskTraces returns up to limit traces of a task, newest first.
func (r *Recorder) TaskTraces(ctx context.Context, taskID string, limit int) ([]model.WorkflowTrace, error) {
	traces, err := r.store.ListTracesByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("trace: task traces: %w", err)
	}
	return traces, nil
}

// TraceSteps returns the step log of a trace ordered by step number.
func (r *Recorder) TraceSteps(ctx context.Context, traceID string) ([]model.WorkflowStep, error) {
	steps, err := r.store.ListSteps(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("trace: steps: %w", err)
	}
	return steps, nil
}

// TaskMetrics aggregates every trace and stream of a task. Token, cost and
// duration figures cover completed traces only; SuccessRate is a percentage.
func (r *Recorder) TaskMetrics(ctx context.Context, taskID string) (model.TaskMetrics, error) {
	traces, err := r.store.ListTracesByTask(ctx, taskID, 1000)
	if err != nil {
		return model.TaskMetrics{}, fmt.Errorf("trace: task metrics: %w", err)
	}
	streams, err := r.store.ListStreamingMetricsByTask(ctx, taskID)
	if err != nil {
		return model.TaskMetrics{}, fmt.Errorf("trace: task metrics: %w", err)
	}

	m := model.TaskMetrics{TaskID: taskID, TotalTraces: len(traces), StreamingMetricsCount: len(streams)}
	var durationSum int64
	for _, t := range traces {
		switch t.Status {
		case model.TraceStatusCompleted:
			m.CompletedTraces++
			m.TotalTokens += t.TotalTokens
			m.TotalCostMillicents += t.EstimatedCostMillis
			if t.TotalDurationMs != nil {
				durationSum += *t.TotalDurationMs
			}
		case model.TraceStatusFailed:
			m.FailedTraces++
		case model.TraceStatusCancelled:
			m.CancelledTraces++
		}
	}
	if m.TotalTraces > 0 {
		m.SuccessRate = float64(m.CompletedTraces) / float64(m.TotalTraces) * 100
	}
	if m.CompletedTraces > 0 {
		m.AvgDurationMs = int64(math.Round(float64(durationSum) / float64(m.CompletedTraces)))
	}
	m.TotalCostDollars = MillicentsToDollars(m.TotalCostMillicents)

	if len(streams) > 0 {
		var sum float64
		for _, s := range streams {
			if s.DBWriteCount > 0 {
				sum += float64(s.TotalChars) / float64(s.DBWriteCount)
			}
		}
		m.AvgCharsPerWrite = math.Round(sum / float64(len(streams)))
	}
	return m, nil
}
