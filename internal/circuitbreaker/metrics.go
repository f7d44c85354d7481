package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_requests_total",
			Help: "Requests through circuit breaker by result",
		},
		[]string{"name", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"name", "from_state", "to_state"},
	)
)
