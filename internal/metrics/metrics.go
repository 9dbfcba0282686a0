package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_tool_calls_total",
			Help: "Total number of tool calls processed",
		},
		[]string{"project_id", "deployment_id", "tool", "origin_type", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentic_gateway_tool_call_duration_seconds",
			Help:    "End-to-end tool call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"project_id", "deployment_id", "tool", "origin_type"},
	)

	OriginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentic_gateway_origin_duration_seconds",
			Help:    "Origin dispatch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"origin_host", "origin_type"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_cache_requests_total",
			Help: "Edge cache outcomes per tool call",
		},
		[]string{"project_id", "status"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_rate_limit_rejections_total",
			Help: "Tool calls rejected by rate limiting",
		},
		[]string{"project_id", "deployment_id"},
	)

	OriginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_origin_errors_total",
			Help: "Origin-side failures by kind",
		},
		[]string{"origin_host", "error_kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentic_gateway_circuit_breaker_state",
			Help: "Circuit breaker state per origin host (0=closed, 1=open, 2=half-open)",
		},
		[]string{"origin_host"},
	)

	McpSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentic_gateway_mcp_sessions_active",
			Help: "Currently tracked MCP transport sessions",
		},
	)

	BillingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_billing_events_total",
			Help: "Metered billing events emitted",
		},
		[]string{"project_id"},
	)
)
