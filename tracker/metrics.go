package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lptrack_transitions_total",
			Help: "Lifecycle state transitions by source and target state.",
		},
		[]string{"from", "to"},
	)

	anomalyCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lptrack_anomalies_total",
			Help: "Recoverable scheduling anomalies by reason.",
		},
		[]string{"reason"},
	)

	synthesizedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lptrack_synthesized_records_total",
			Help: "Process records synthesized from unknown address spaces.",
		},
	)

	checkerMismatchCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lptrack_checker_mismatches_total",
			Help: "Next task predictions that did not match observation.",
		},
	)
)
