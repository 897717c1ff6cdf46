package attachment

import "github.com/prometheus/client_golang/prometheus"

var (
	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "attachment",
		Name:      "uploads_total",
		Help:      "Attachment uploads by result.",
	}, []string{"result"})

	uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "attachment",
		Name:      "uploaded_bytes_total",
		Help:      "Bytes of successfully uploaded attachments.",
	})
)

func init() {
	prometheus.MustRegister(uploadsTotal, uploadedBytes)
}
