package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "famrelay_peers",
		Help: "Connected WebSocket peers",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famrelay_frames_total",
		Help: "Frames accepted for broadcast, by event",
	}, []string{"event"})

	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famrelay_frames_rejected_total",
		Help: "Frames rejected as malformed or impersonating, by event",
	}, []string{"event"})
)
