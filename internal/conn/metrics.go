package conn

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "conn",
		Name:      "attempts_total",
		Help:      "Presence channel connect attempts, including retries.",
	})

	connectGiveUps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "conn",
		Name:      "give_ups_total",
		Help:      "Connect loops abandoned after exhausting all attempts.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(connectAttempts, connectGiveUps)
	})
}
