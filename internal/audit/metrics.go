package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_audit_append_failures_total",
			Help: "Audit entries that could not be persisted",
		},
	)

	entriesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_audit_entries_total",
			Help: "Audit entries persisted by target state",
		},
		[]string{"to_state"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_audit_queue_depth",
			Help: "Audit entries waiting for the async writer",
		},
	)
)
