package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famcall_calls_total",
		Help: "Call attempts that reached ended, by role and outcome",
	}, []string{"role", "outcome"})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famcall_phase_transitions_total",
		Help: "Phase transitions by target phase",
	}, []string{"phase"})
)
