package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the MQ client.
// A nil *MQMetrics is valid and records nothing.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PushDuration      *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	return &MQMetrics{
		MessagesPushed: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_pushed_total",
				Help:      "Total number of messages confirmed by RabbitMQ",
			},
			[]string{"queue"},
		)),
		PushFailures: registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_failures_total",
				Help:      "Total number of failed message pushes",
			},
			[]string{"queue", "reason"},
		)),
		ReconnectAttempts: registerOrReuse(prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of connection attempts",
			},
		)),
		PushDuration: registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Duration of confirmed pushes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		)),
		ConnectionStatus: registerOrReuse(prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		)),
	}
}

func (m *MQMetrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *MQMetrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.ConnectionStatus.Set(1)
		return
	}
	m.ConnectionStatus.Set(0)
}

func (m *MQMetrics) Pushed(queue string) {
	if m == nil {
		return
	}
	m.MessagesPushed.WithLabelValues(queue).Inc()
}

func (m *MQMetrics) PushFailed(queue, reason string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(queue, reason).Inc()
}
