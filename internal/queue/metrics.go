package queue

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enqueuedTotal  *prometheus.CounterVec
	processedTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "worker",
			Name:      "jobs_enqueued_total",
			Help:      "Count of jobs accepted onto the queue",
		}, []string{"job_type"}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Count of job executions by outcome",
		}, []string{"job_type", "outcome"}),
	}
	m.enqueuedTotal = registerCounterVec(m.enqueuedTotal)
	m.processedTotal = registerCounterVec(m.processedTotal)
	return m
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) enqueued(jobType string) {
	m.enqueuedTotal.With(prometheus.Labels{"job_type": jobType}).Inc()
}

func (m *metrics) processed(jobType, outcome string) {
	m.processedTotal.With(prometheus.Labels{"job_type": jobType, "outcome": outcome}).Inc()
}
