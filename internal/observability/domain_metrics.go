package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeInterrupted = "interrupted"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldata_generations_total",
			Help: "Total number of generative model invocations by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	generationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calldata_generation_duration_seconds",
			Help:    "Generative model invocation latency by stage.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"stage"},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calldata_executions_total",
			Help: "Total number of generated query executions by dialect and outcome.",
		},
		[]string{"dialect", "outcome"},
	)
	executionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calldata_execution_duration_seconds",
			Help:    "Generated query execution latency by dialect.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal,
		generationDurationSeconds,
		executionsTotal,
		executionDurationSeconds,
	)
}

func ObserveGeneration(stage, outcome string, elapsed time.Duration) {
	generationsTotal.WithLabelValues(stage, outcome).Inc()
	generationDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveExecution(dialect, outcome string, elapsed time.Duration) {
	executionsTotal.WithLabelValues(dialect, outcome).Inc()
	executionDurationSeconds.WithLabelValues(dialect).Observe(elapsed.Seconds())
}
