package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_policy_decisions_total",
			Help: "Autonomy decisions by risk tier and outcome",
		},
		[]string{"risk_tier", "outcome"}, // outcome: auto, queue
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_policy_errors_total",
			Help: "Policy evaluation errors",
		},
		[]string{"error_type"},
	)

	overlayTightened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_policy_overlay_tightened_total",
			Help: "Auto-approvals the overlay vetoed (dry-run counts would-be vetoes)",
		},
		[]string{"mode"},
	)

	overlayEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_policy_overlay_evaluation_duration_seconds",
			Help:    "Time spent evaluating the overlay",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
	)

	overlayCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_policy_overlay_cache_total",
			Help: "Overlay decision cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	overlayLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_policy_overlay_load_timestamp_seconds",
			Help: "Timestamp of last successful overlay load",
		},
	)

	overlayModules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_policy_overlay_modules_loaded",
			Help: "Number of rego modules currently loaded",
		},
	)
)

// RecordDecision records an autonomy decision outcome.
func RecordDecision(riskTier string, auto bool) {
	outcome := "queue"
	if auto {
		outcome = "auto"
	}
	policyDecisions.WithLabelValues(riskTier, outcome).Inc()
}

// RecordError records a policy error by type.
func RecordError(errorType string) {
	policyErrors.WithLabelValues(errorType).Inc()
}

// RecordOverlayTighten records an overlay veto.
func RecordOverlayTighten(mode string) {
	overlayTightened.WithLabelValues(mode).Inc()
}
