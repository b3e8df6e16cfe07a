package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_sessions_total",
			Help: "Total number of sessions started",
		},
		[]string{"profile"},
	)

	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_sessions_ended_total",
			Help: "Total number of sessions ended",
		},
		[]string{"reason"},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crelay_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"profile"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crelay_sessions_active",
			Help: "Number of active sessions",
		},
	)

	// Frame metrics
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_frames_total",
			Help: "Total number of protocol frames",
		},
		[]string{"direction", "type"},
	)

	protocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crelay_protocol_errors_total",
			Help: "Total number of dropped malformed frames",
		},
	)

	// Generation metrics
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_generations_total",
			Help: "Total number of response generations",
		},
		[]string{"outcome"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crelay_tool_call_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// LLM metrics
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_llm_requests_total",
			Help: "Total number of LLM streaming requests",
		},
		[]string{"provider", "model", "status"},
	)

	llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crelay_llm_request_duration_seconds",
			Help:    "LLM streaming request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	llmFirstChunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crelay_llm_first_chunk_seconds",
			Help:    "Latency to first streamed chunk in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "kind"},
	)

	// Watchdog metrics
	watchdogFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crelay_watchdog_firings_total",
			Help: "Total number of silence watchdog firings",
		},
		[]string{"outcome"},
	)

	sessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crelay_sessions_reaped_total",
			Help: "Total number of sessions ended by the max-duration reaper",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsTotal,
			sessionsEnded,
			sessionDuration,
			activeSessions,
			framesTotal,
			protocolErrorsTotal,
			generationsTotal,
			toolCallsTotal,
			toolCallDuration,
			llmRequestsTotal,
			llmRequestDuration,
			llmFirstChunkDuration,
			llmTokensTotal,
			watchdogFiringsTotal,
			sessionsReapedTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart records a session entering ACTIVE
func RecordSessionStart(profile string) {
	sessionsTotal.WithLabelValues(profile).Inc()
}

// RecordSessionEnd records a session closing
func RecordSessionEnd(profile, reason string, duration time.Duration) {
	sessionsEnded.WithLabelValues(reason).Inc()
	sessionDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordFrame records a protocol frame
func RecordFrame(direction, frameType string) {
	framesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordProtocolError records a dropped malformed frame
func RecordProtocolError() {
	protocolErrorsTotal.Inc()
}

// RecordGeneration records a generation outcome
func RecordGeneration(outcome string) {
	generationsTotal.WithLabelValues(outcome).Inc()
}

// RecordToolExecution records a tool execution
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordLLMRequest records an LLM streaming request
func RecordLLMRequest(provider, model string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLLMFirstChunk records the latency to the first streamed chunk
func RecordLLMFirstChunk(provider string, duration time.Duration) {
	llmFirstChunkDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLLMTokens records prompt and completion token counts
func RecordLLMTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		llmTokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		llmTokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// RecordWatchdogFiring records a watchdog firing with its outcome
// ("message" or "end")
func RecordWatchdogFiring(outcome string) {
	watchdogFiringsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionReaped records a session ended by the duration reaper
func RecordSessionReaped() {
	sessionsReapedTotal.Inc()
}
