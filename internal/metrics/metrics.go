package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the connect endpoint collectors.
type Metrics struct {
	validations *prometheus.CounterVec
	duration    prometheus.Histogram
	rateLimited prometheus.Counter
}

// New registers the collectors with reg. Every outcome in outcomes starts
// at zero so dashboards see the full label set.
func New(reg prometheus.Registerer, outcomes []string) *Metrics {
	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_validations_total",
			Help: "Connect validations by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "license_validation_duration_seconds",
			Help:    "Time spent deciding a connect validation",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "license_connect_rate_limited_total",
			Help: "Connect requests rejected by the per-client rate limit",
		}),
	}
	reg.MustRegister(m.validations, m.duration, m.rateLimited)
	for _, o := range outcomes {
		m.validations.WithLabelValues(o)
	}
	return m
}

func (m *Metrics) ObserveValidation(outcome string, d time.Duration) {
	m.validations.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) RateLimited() { m.rateLimited.Inc() }
