package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	steps       *prometheus.CounterVec
	stepSeconds prometheus.Histogram
	resolutions *prometheus.CounterVec
}

// NewMetrics registers executor collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Name:      "steps_total",
			Help:      "Steps that reached a terminal state, by status.",
		}, []string{"status"}),
		stepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resolver",
			Name:      "step_duration_seconds",
			Help:      "Wall time spent in step work.",
			Buckets:   prometheus.DefBuckets,
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Name:      "resolutions_total",
			Help:      "Resolutions that reached a terminal state, by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.steps, m.stepSeconds, m.resolutions)
	}
	return m
}

func (m *Metrics) observeStep(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
	m.stepSeconds.Observe(d.Seconds())
}

func (m *Metrics) observeResolution(status string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
}
