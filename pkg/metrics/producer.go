package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the site simulator.
// A nil *ProducerMetrics is valid and records nothing.
type ProducerMetrics struct {
	ReadingsGenerated  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	ActiveProducers    prometheus.Gauge
	SitesRegistered    prometheus.Counter
}

// NewProducerMetrics creates and registers simulator metrics.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	return &ProducerMetrics{
		ReadingsGenerated: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "readings_generated_total",
				Help:      "Total number of meter readings generated",
			},
			[]string{"status"},
		)),
		PublishFailures: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_failures_total",
				Help:      "Total number of readings that could not be published",
			},
			[]string{"reason"},
		)),
		GenerationDuration: registerOrReuse(prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "generation_duration_seconds",
				Help:      "Duration of generating and publishing one reading",
				Buckets:   prometheus.DefBuckets,
			},
		)),
		ActiveProducers: registerOrReuse(prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "active_producers",
				Help:      "Number of simulated sites currently reporting",
			},
		)),
		SitesRegistered: registerOrReuse(prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "sites_registered_total",
				Help:      "Total number of simulated sites registered with the API",
			},
		)),
	}
}

// Generated records one reading and the time spent publishing it.
func (m *ProducerMetrics) Generated(start time.Time, err error) {
	if m == nil {
		return
	}
	m.ReadingsGenerated.WithLabelValues(status(err)).Inc()
	m.GenerationDuration.Observe(time.Since(start).Seconds())
}

// PublishFailed counts one failed publish by reason.
func (m *ProducerMetrics) PublishFailed(reason string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(reason).Inc()
}

// ProducerRunning adjusts the active producer gauge.
func (m *ProducerMetrics) ProducerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.ActiveProducers.Inc()
	} else {
		m.ActiveProducers.Dec()
	}
}

// SiteRegistered counts one site registration.
func (m *ProducerMetrics) SiteRegistered() {
	if m == nil {
		return
	}
	m.SitesRegistered.Inc()
}
