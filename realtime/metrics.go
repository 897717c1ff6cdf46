package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Push events handled by the reconciler, by result.",
	}, []string{"result"})

	degradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "realtime",
		Name:      "degraded_total",
		Help:      "Subscriptions that failed to open or broke.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, degradedTotal)
}
