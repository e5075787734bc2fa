package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	saveDraftLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reports",
		Name:      "save_draft_seconds",
		Help:      "Latency for persisting a report draft.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	saveGoalsLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reports",
		Name:      "save_goals_seconds",
		Help:      "Latency for replacing a report's goal set.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	storeTracer = otel.Tracer("github.com/example/report-form-engine/storage")
)

func init() {
	prometheus.MustRegister(saveDraftLatency, saveGoalsLatency)
}
