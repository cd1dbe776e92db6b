package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_generations_total",
			Help: "Total number of SQL generation requests by outcome.",
		},
		[]string{"outcome"},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlrag_generation_latency_ms",
			Help:    "End-to-end SQL generation latency in milliseconds.",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)
	llmAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_llm_attempts_total",
			Help: "Total number of language model calls by result.",
		},
		[]string{"result"},
	)
	retrievalLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlrag_retrieval_latency_ms",
			Help:    "Context retrieval and ranking latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)
	contextItems = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrag_context_items",
			Help:    "Number of context items accepted into a prompt by source.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
		[]string{"source"},
	)
	safetyRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_safety_rejections_total",
			Help: "Total number of generated statements rejected by the safety validator.",
		},
		[]string{"verb"},
	)
	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_feedback_total",
			Help: "Total number of feedback submissions by rating.",
		},
		[]string{"rating"},
	)
	schemaSyncTablesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrag_schema_sync_tables_total",
			Help: "Total number of schema tables re-embedded or removed from the index.",
		},
		[]string{"change"},
	)
	schemaSyncLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlrag_schema_sync_latency_ms",
			Help:    "Schema index synchronisation latency in milliseconds.",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal,
		generationLatencyMs,
		llmAttemptsTotal,
		retrievalLatencyMs,
		contextItems,
		safetyRejectionsTotal,
		feedbackTotal,
		schemaSyncTablesTotal,
		schemaSyncLatencyMs,
	)
}

// ObserveGeneration records a finished generation. outcome is "ok" or the
// error kind that ended the request.
func ObserveGeneration(outcome string, elapsed time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	generationsTotal.WithLabelValues(outcome).Inc()
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveLLMAttempt(result string) {
	llmAttemptsTotal.WithLabelValues(result).Inc()
}

func ObserveRetrieval(schemaItems, feedbackItems int, elapsed time.Duration) {
	retrievalLatencyMs.Observe(float64(elapsed.Milliseconds()))
	contextItems.WithLabelValues("schema").Observe(float64(schemaItems))
	contextItems.WithLabelValues("feedback").Observe(float64(feedbackItems))
}

func IncrementSafetyRejection(verb string) {
	verb = strings.ToUpper(strings.TrimSpace(verb))
	if verb == "" {
		verb = "UNKNOWN"
	}
	safetyRejectionsTotal.WithLabelValues(verb).Inc()
}

func IncrementFeedback(rating string) {
	feedbackTotal.WithLabelValues(rating).Inc()
}

func ObserveSchemaSync(indexed, deleted int, elapsed time.Duration) {
	if indexed > 0 {
		schemaSyncTablesTotal.WithLabelValues("indexed").Add(float64(indexed))
	}
	if deleted > 0 {
		schemaSyncTablesTotal.WithLabelValues("deleted").Add(float64(deleted))
	}
	schemaSyncLatencyMs.Observe(float64(elapsed.Milliseconds()))
}
