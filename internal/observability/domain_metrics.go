package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_questions_total",
			Help: "Total number of questions processed by final pipeline state.",
		},
		[]string{"backend", "state"},
	)
	routingFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_routing_fallback_total",
			Help: "Total number of questions routed by the default-backend fallback.",
		},
	)
	generationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_generation_attempts_total",
			Help: "Total number of model calls made by query generators.",
		},
		[]string{"backend", "result"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_validation_rejections_total",
			Help: "Total number of generated queries rejected by the safety validator.",
		},
		[]string{"backend", "term"},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_execution_latency_ms",
			Help:    "Backend query execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"backend", "status"},
	)
	rowsReturned = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_rows_returned",
			Help:    "Records returned per successful execution.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"backend"},
	)
	truncatedResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_truncated_results_total",
			Help: "Total number of executions that hit the record cap.",
		},
		[]string{"backend"},
	)
	schemaRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_schema_refresh_total",
			Help: "Total number of schema cache refreshes by result.",
		},
		[]string{"backend", "status"},
	)
	traceSpansDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_trace_spans_dropped_total",
			Help: "Total number of trace spans dropped because the sink buffer was full.",
		},
	)
	querySuccessScore = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_query_success_score_total",
			Help: "Sum of query_success scores; divide by askdb_questions_total for the success rate.",
		},
		[]string{"backend"},
	)
	chatMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_chat_messages_total",
			Help: "Chat messages by recognised intent and outcome.",
		},
		[]string{"intent", "outcome"},
	)
	suggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_suggestions_total",
			Help: "Suggested questions served by backend and source (model or schema).",
		},
		[]string{"backend", "source"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		routingFallbackTotal,
		generationAttemptsTotal,
		validationRejectionsTotal,
		executionLatencyMs,
		rowsReturned,
		truncatedResultsTotal,
		schemaRefreshTotal,
		traceSpansDroppedTotal,
		querySuccessScore,
		chatMessagesTotal,
		suggestionsTotal,
	)
}

func ObserveQuestion(backend, state string, score float64) {
	questionsTotal.WithLabelValues(backend, state).Inc()
	if score > 0 {
		querySuccessScore.WithLabelValues(backend).Add(score)
	}
}

func IncrementRoutingFallback() {
	routingFallbackTotal.Inc()
}

func ObserveGenerationAttempt(backend, result string) {
	generationAttemptsTotal.WithLabelValues(backend, result).Inc()
}

func ObserveValidationRejection(backend, term string) {
	validationRejectionsTotal.WithLabelValues(backend, term).Inc()
}

func ObserveExecution(backend, status string, elapsed time.Duration, rows int, truncated bool) {
	executionLatencyMs.WithLabelValues(backend, status).Observe(float64(elapsed.Milliseconds()))
	if status != "ok" {
		return
	}
	rowsReturned.WithLabelValues(backend).Observe(float64(rows))
	if truncated {
		truncatedResultsTotal.WithLabelValues(backend).Inc()
	}
}

func ObserveSchemaRefresh(backend, status string) {
	schemaRefreshTotal.WithLabelValues(backend, status).Inc()
}

func IncrementTraceSpansDropped() {
	traceSpansDroppedTotal.Inc()
}

// ObserveChatMessage counts one handled chat message. outcome is answered,
// failed, discarded or command.
func ObserveChatMessage(intent, outcome string) {
	chatMessagesTotal.WithLabelValues(intent, outcome).Inc()
}

func ObserveSuggestions(backend, source string, n int) {
	if n <= 0 {
		return
	}
	suggestionsTotal.WithLabelValues(backend, source).Add(float64(n))
}
