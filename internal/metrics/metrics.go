package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

type Metrics struct {
	SessionsCreated     prometheus.Counter
	CandidatesPublished prometheus.Counter
	Requests            *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of signaling sessions created",
		}),
		CandidatesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_published_total",
			Help:      "Total number of address candidates published",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_requests_total",
			Help:      "Signaling requests by operation and status",
		}, []string{"op", "status"}),
	}

	prometheus.MustRegister(m.SessionsCreated, m.CandidatesPublished, m.Requests)

	return m
}

// Mount exposes the /metrics endpoint on the given engine.
func (m *Metrics) Mount(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
