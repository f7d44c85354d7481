package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_slots_acquired_total",
			Help: "Concurrency slots granted, by tier",
		},
		[]string{"tier"},
	)

	slotDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_slots_denied_total",
			Help: "Concurrency slot requests denied at the tier ceiling",
		},
		[]string{"tier"},
	)

	slotReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_slots_released_total",
			Help: "Concurrency slots released",
		},
	)

	requestThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_requests_throttled_total",
			Help: "Submissions rejected by the per-workspace request rate gate",
		},
	)
)
