// Package metrics exposes Prometheus instrumentation for the query pipeline
// and agent lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts executed queries by terminal state.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpchat_queries_total",
		Help: "Queries executed, labeled by terminal state.",
	}, []string{"state"})

	// QueryDuration observes wall time per query.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcpchat_query_duration_seconds",
		Help:    "Query execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// AgentInitsTotal counts agent (re)initializations by result.
	AgentInitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpchat_agent_initializations_total",
		Help: "Agent initializations, labeled by result.",
	}, []string{"result"})

	// ToolsBound reports how many tools the live agent exposes.
	ToolsBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpchat_tools_bound",
		Help: "Tools bound to the live agent.",
	})

	// ToolsSkippedTotal counts tools skipped during materialization.
	ToolsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpchat_tools_skipped_total",
		Help: "Tool references skipped during materialization.",
	})
)
