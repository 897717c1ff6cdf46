package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Subsystem: "conversation",
	Name:      "sends_total",
	Help:      "Number of send requests, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(sendsTotal)
}
