// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiseki_runs_active",
		Help: "Runs currently executing on this instance",
	})

	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiseki_runs_started_total",
		Help: "Runs started or resumed on this instance",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiseki_runs_finished_total",
		Help: "Runs that reached a terminal status",
	}, []string{"status", "error_type"})

	ModelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiseki_model_call_duration_seconds",
		Help:    "Latency of one model call including streaming",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"provider"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiseki_provider_retries_total",
		Help: "Model calls retried after a transient failure",
	}, []string{"provider"})

	ToolVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiseki_tool_verdicts_total",
		Help: "Tool call outcomes by tool and verdict",
	}, []string{"tool", "verdict"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiseki_tool_duration_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"tool"})

	StreamedChars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiseki_streamed_chars_total",
		Help: "Characters received from model streams",
	})

	StreamWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiseki_stream_writes_total",
		Help: "Throttled stream chunk writes",
	})

	StaleToolCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiseki_stale_tool_calls_total",
		Help: "Tool calls failed because their message ended first",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiseki_http_rate_limited_total",
		Help: "API requests rejected with 429",
	})
)

// Tool verdict labels.
const (
	VerdictCompleted = "completed"
	VerdictFailed    = "failed"
	VerdictBlocked   = "blocked"
	VerdictDenied    = "denied"
	VerdictInvalid   = "invalid"
)
