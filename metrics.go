package tonik

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeAborted  = "aborted"
	outcomeRejected = "rejected"
)

// saslMetrics instruments the session table. The gauge is maintained from
// the event loop rather than read from the table, so scrapes never touch
// loop-owned state.
type saslMetrics struct {
	sessions prometheus.Gauge
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

func newSASLMetrics() *saslMetrics {
	return &saslMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tonik_sasl_sessions",
			Help: "Number of in-progress SASL sessions",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tonik_sasl_outcomes_total",
			Help: "Number of finished SASL negotiations, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tonik_sasl_session_duration_seconds",
			Help:    "Duration of finished SASL negotiations",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *saslMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.sessions, m.outcomes, m.duration}
}

func (m *saslMetrics) register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *saslMetrics) unregister(r prometheus.Registerer) {
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}

// opened records a newly allocated session.
func (m *saslMetrics) opened() {
	m.sessions.Inc()
}

// observe records a finished negotiation. session is nil for outcomes with
// no session attached (stray results, capacity rejections).
func (m *saslMetrics) observe(session *saslSession, outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
	if session != nil {
		m.sessions.Dec()
		m.duration.Observe(time.Since(session.startTime).Seconds())
	}
}

// reset zeroes the live-session gauge on module teardown.
func (m *saslMetrics) reset() {
	m.sessions.Set(0)
}
