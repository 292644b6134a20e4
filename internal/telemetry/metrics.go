// Package telemetry wires the gateway's Prometheus metrics and the
// optional OpenTelemetry SDK bootstrap.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every gateway metric.
const namespace = "codegate"

// Metrics holds the gateway's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsSubmitted     prometheus.Counter
	RunsTerminal      *prometheus.CounterVec
	RunsActive        prometheus.Gauge
	RunDuration       prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	ToolCallDuration  prometheus.Histogram
	ApprovalsPending  prometheus.Gauge
	ApprovalsResolved *prometheus.CounterVec
	ApprovalLatency   prometheus.Histogram
	ProviderErrors    *prometheus.CounterVec
	RegistryBuilds    prometheus.Counter
	RegistryTools     *prometheus.GaugeVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics creates the instruments on a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by the gateway.",
		}),
		RunsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_terminal_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Live (non-terminal) runs.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time from submission to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Mediated tools.* calls by outcome kind.",
		}, []string{"kind"}),
		ToolCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "End-to-end tool call latency, approvals included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approvals currently awaiting a decision.",
		}),
		ApprovalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval decisions by outcome.",
		}, []string{"decision"}),
		ApprovalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_latency_seconds",
			Help:      "Time from approval request to decision.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider invocation failures by provider kind.",
		}, []string{"provider"}),
		RegistryBuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_builds_total",
			Help:      "Tool registry rebuilds.",
		}),
		RegistryTools: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_tools",
			Help:      "Tools in the published snapshot per workspace.",
		}, []string{"workspace"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control-plane HTTP requests.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control-plane HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the private registry for the /metrics endpoint and the
// stats service.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
