package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	roomConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "room_connections",
		Help:      "Active websocket connections per report room.",
	}, []string{"room"})

	rosterSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "roster_size",
		Help:      "Presence roster entries per report room.",
	}, []string{"room"})

	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped due to slow consumers.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(roomConnections, rosterSize, framesDropped)
	})
}

var tracer = otel.Tracer("github.com/example/report-form-engine/hub")
