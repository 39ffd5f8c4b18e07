package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/cloak/probe"
)

type metrics struct {
	registry *prometheus.Registry
	verify   *prometheus.CounterVec
	duration prometheus.Histogram
	failures *prometheus.CounterVec
	served   *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		verify: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_verify_total",
				Help: "Rehearsals run, by result (pass, fail, error).",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloak_verify_duration_seconds",
			Help:    "Time spent rehearsing the stealth script in the emulated host.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_check_failures_total",
				Help: "Probe checks that detected automation, by check.",
			},
			[]string{"check"},
		),
		served: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_scripts_served_total",
				Help: "Document-start scripts served to drivers, by kind.",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.verify, m.duration, m.failures, m.served,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) observeVerify(rep *probe.Report, took time.Duration, err error) {
	m.duration.Observe(took.Seconds())
	switch {
	case err != nil:
		m.verify.WithLabelValues("error").Inc()
	case rep.Passed():
		m.verify.WithLabelValues("pass").Inc()
	default:
		m.verify.WithLabelValues("fail").Inc()
		for _, c := range rep.Failures() {
			m.failures.WithLabelValues(c.Name).Inc()
		}
	}
}
