package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_routing_decisions_total",
			Help: "Routing outcomes",
		},
		[]string{"outcome"}, // preferred, scored, not_found, invalid
	)

	RoutingCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_routing_candidates",
			Help:    "Number of candidate agents scored per routing call",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Action metrics
	ActionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_actions_submitted_total",
			Help: "Actions created by the submit pipeline",
		},
		[]string{"risk_tier", "decision"}, // decision: auto, queued
	)

	ActionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_action_transitions_total",
			Help: "Lifecycle transitions applied",
		},
		[]string{"from", "to"},
	)

	TransitionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_action_transition_conflicts_total",
			Help: "Transitions lost to a concurrent compare-and-swap",
		},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_action_duration_seconds",
			Help:    "Running time of actions from start to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"action_type", "state"},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_approval_decisions_total",
			Help: "Human approval decisions",
		},
		[]string{"decision", "mode"}, // mode: single, bulk
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordTransition records a lifecycle transition.
func RecordTransition(from, to string) {
	ActionTransitions.WithLabelValues(from, to).Inc()
}

// RecordActionFinished records the running time of an action that reached a terminal state.
func RecordActionFinished(actionType, state string, durationMs int64) {
	ActionDuration.WithLabelValues(actionType, state).Observe(float64(durationMs) / 1000)
}
