package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "famcall_signals_total",
	Help: "Signaling messages by kind and direction (in, out, dropped)",
}, []string{"kind", "direction"})
