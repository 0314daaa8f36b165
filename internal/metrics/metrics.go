package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the call-session collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	negotiations   *prometheus.CounterVec
	instantClaims  *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	renegotiations prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peercounsel_negotiations_total",
			Help: "Offer/answer negotiations by side and result.",
		}, []string{"side", "result"}),
		instantClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peercounsel_instant_claims_total",
			Help: "Instant session claim attempts by result.",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peercounsel_recoveries_total",
			Help: "Call teardowns by reason.",
		}, []string{"reason"}),
		renegotiations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peercounsel_renegotiations_total",
			Help: "In-call renegotiation rounds initiated.",
		}),
	}
	m.registry.MustRegister(
		m.negotiations,
		m.instantClaims,
		m.recoveries,
		m.renegotiations,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Negotiation(side, result string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(side, result).Inc()
}

func (m *Metrics) InstantClaim(result string) {
	if m == nil {
		return
	}
	m.instantClaims.WithLabelValues(result).Inc()
}

func (m *Metrics) Recovery(reason string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(reason).Inc()
}

func (m *Metrics) Renegotiation() {
	if m == nil {
		return
	}
	m.renegotiations.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
