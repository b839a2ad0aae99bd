package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the serve command: the HTTP
// API, the queue consumer and the reading archive.
// A nil *BackendMetrics is valid and records nothing.
type BackendMetrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	ConsumerMessagesTotal *prometheus.CounterVec
	ConsumerErrors        *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	ArchiveOperations     *prometheus.CounterVec
	ArchiveDuration       *prometheus.HistogramVec
	ActiveConsumers       prometheus.Gauge
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	return &BackendMetrics{
		HTTPRequestsTotal: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "method", "code"},
		)),
		HTTPRequestDuration: registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		)),
		HTTPRequestsInFlight: registerOrReuse(prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of API requests currently being served",
			},
		)),
		ConsumerMessagesTotal: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of messages consumed",
			},
			[]string{"queue", "status"}, // status: success, error
		)),
		ConsumerErrors: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Total number of consumer errors",
			},
			[]string{"queue", "error_type"},
		)),
		ProcessingDuration: registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "processing_duration_seconds",
				Help:      "Duration of message processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		)),
		ArchiveOperations: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "operations_total",
				Help:      "Total number of reading archive operations",
			},
			[]string{"operation", "status"},
		)),
		ArchiveDuration: registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "operation_duration_seconds",
				Help:      "Duration of reading archive operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		)),
		ActiveConsumers: registerOrReuse(prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_consumers",
				Help:      "Number of active message consumers",
			},
		)),
	}
}

// RequestStarted tracks an in-flight request and returns the func that ends it.
func (m *BackendMetrics) RequestStarted() func(route, method string, code int) {
	if m == nil {
		return func(string, string, int) {}
	}
	start := time.Now()
	m.HTTPRequestsInFlight.Inc()
	return func(route, method string, code int) {
		m.HTTPRequestsInFlight.Dec()
		m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Consumed records one processed delivery.
func (m *BackendMetrics) Consumed(queue string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ConsumerMessagesTotal.WithLabelValues(queue, status(err)).Inc()
	m.ProcessingDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}

// ConsumerError counts one delivery failure by kind.
func (m *BackendMetrics) ConsumerError(queue, errorType string) {
	if m == nil {
		return
	}
	m.ConsumerErrors.WithLabelValues(queue, errorType).Inc()
}

// ConsumerRunning adjusts the active consumer gauge.
func (m *BackendMetrics) ConsumerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.ActiveConsumers.Inc()
	} else {
		m.ActiveConsumers.Dec()
	}
}

// Archive records one archive operation started at start.
func (m *BackendMetrics) Archive(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ArchiveOperations.WithLabelValues(operation, status(err)).Inc()
	m.ArchiveDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
