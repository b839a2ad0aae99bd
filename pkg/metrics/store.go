package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics contains Prometheus metrics for the solar storage core.
// A nil *StoreMetrics is valid and records nothing.
type StoreMetrics struct {
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	TxRetries          *prometheus.CounterVec
	ReadingsIngested   prometheus.Counter
	FeedMirrorFailures prometheus.Counter
}

// NewStoreMetrics creates and registers storage core metrics.
func NewStoreMetrics(namespace string) *StoreMetrics {
	return &StoreMetrics{
		OperationsTotal: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of core storage operations",
			},
			[]string{"operation", "status"}, // status: success, error
		)),
		OperationDuration: registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of core storage operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		)),
		TxRetries: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tx_retries_total",
				Help:      "Optimistic transactions retried after a watched key changed",
			},
			[]string{"operation"},
		)),
		ReadingsIngested: registerOrReuse(prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "readings_ingested_total",
				Help:      "Total number of meter readings accepted",
			},
		)),
		FeedMirrorFailures: registerOrReuse(prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "feed_mirror_failures_total",
				Help:      "Readings that could not be mirrored to the message queue",
			},
		)),
	}
}

// Observe records the outcome and duration of an operation started at start.
func (m *StoreMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// TxRetry counts one retried transaction.
func (m *StoreMetrics) TxRetry(operation string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(operation).Inc()
}

// ReadingIngested counts one accepted reading.
func (m *StoreMetrics) ReadingIngested() {
	if m == nil {
		return
	}
	m.ReadingsIngested.Inc()
}

// FeedMirrorFailed counts one failed queue mirror.
func (m *StoreMetrics) FeedMirrorFailed() {
	if m == nil {
		return
	}
	m.FeedMirrorFailures.Inc()
}
