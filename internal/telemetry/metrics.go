package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for the orchestrator's external
// interactions: registry calls, discovery runs and tool invocations.
type Metrics struct {
	registry *prometheus.Registry

	RegistryRequests *prometheus.CounterVec
	DiscoveryRuns    *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	OAuthFlows       *prometheus.CounterVec
	AgentTurns       prometheus.Counter
}

// NewMetrics creates a metrics collector backed by its own prometheus
// registry so tests can run multiple instances.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RegistryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oneshot_registry_requests_total",
			Help: "Registry API requests by operation and outcome.",
		}, []string{"op", "status"}),
		DiscoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oneshot_discovery_runs_total",
			Help: "Discovery pipeline runs by outcome.",
		}, []string{"outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oneshot_tool_calls_total",
			Help: "MCP tool invocations by server and outcome.",
		}, []string{"server", "status"}),
		OAuthFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oneshot_oauth_flows_total",
			Help: "OAuth authorization flows by outcome.",
		}, []string{"outcome"}),
		AgentTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oneshot_agent_turns_total",
			Help: "Agent invocations.",
		}),
	}
	reg.MustRegister(m.RegistryRequests, m.DiscoveryRuns, m.ToolCalls, m.OAuthFlows, m.AgentTurns)
	return m
}

// Handler serves the collected metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
