package autosave

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autosave",
		Name:      "ticks_total",
		Help:      "Autosave ticks evaluated.",
	})

	ticksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autosave",
		Name:      "ticks_skipped_total",
		Help:      "Autosave ticks skipped, by reason.",
	}, []string{"reason"})

	savesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autosave",
		Name:      "saves_total",
		Help:      "Save attempts, by outcome.",
	}, []string{"outcome"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(ticksTotal, ticksSkipped, savesTotal)
	})
}
