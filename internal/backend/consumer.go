package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/metrics"
	"procodus.dev/solarwatch/pkg/mq"
)

// Ingester is the part of the core the consumer writes to.
type Ingester interface {
	IngestReading(ctx context.Context, r solar.MeterReading) error
	IngestReadings(ctx context.Context, readings []solar.MeterReading) error
}

// Consumer reads JSON meter readings from RabbitMQ and ingests them.
// A message body is either one reading object or an array of readings.
type Consumer struct {
	logger   *slog.Logger
	ingester Ingester
	client   mq.ClientInterface
	queue    string
	metrics  *metrics.BackendMetrics
	ready    time.Duration
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Ingester  Ingester
	Client    mq.ClientInterface
	QueueName string
	Metrics   *metrics.BackendMetrics

	// ReadyTimeout bounds the wait for the broker connection in Start. Defaults to 30s.
	ReadyTimeout time.Duration
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	ready := cfg.ReadyTimeout
	if ready <= 0 {
		ready = 30 * time.Second
	}

	return &Consumer{
		logger:   cfg.Logger.With("component", "consumer", "queue", cfg.QueueName),
		ready:    ready,
		ingester: cfg.Ingester,
		client:   cfg.Client,
		queue:    cfg.QueueName,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start waits for the broker connection and begins consuming in the
// background. Processing stops when ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	readyCtx, cancel := context.WithTimeout(ctx, c.ready)
	err := c.client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed waiting for rabbitmq: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")
	c.metrics.ConsumerRunning(true)
	c.started.Store(true)

	go c.processMessages(ctx, deliveries)

	return nil
}

// Done is closed when message processing has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		c.metrics.ConsumerRunning(false)
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// decodeReadings accepts a single reading or a JSON array of readings.
func decodeReadings(body []byte) ([]solar.MeterReading, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var readings []solar.MeterReading
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			return nil, err
		}
		return readings, nil
	}

	var r solar.MeterReading
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, err
	}
	return []solar.MeterReading{r}, nil
}

// permanent reports errors that redelivery cannot fix. A joined batch error
// is permanent only when every part is.
func permanent(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !permanent(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, solar.ErrSiteNotFound) || errors.Is(err, solar.ErrInvalidReading)
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()

	readings, err := decodeReadings(delivery.Body)
	if err != nil {
		c.logger.Error("failed to decode meter readings", "error", err, "message_id", delivery.MessageId)
		c.metrics.ConsumerError(c.queue, "decode")
		c.metrics.Consumed(c.queue, start, err)
		// Malformed payloads are dropped to avoid a redelivery loop.
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	if len(readings) == 1 {
		err = c.ingester.IngestReading(ctx, readings[0])
	} else {
		err = c.ingester.IngestReadings(ctx, readings)
	}
	c.metrics.Consumed(c.queue, start, err)

	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
			return
		}
		c.logger.Debug("meter readings ingested", "count", len(readings))

	case permanent(err):
		c.logger.Warn("rejecting meter readings", "count", len(readings), "error", err)
		c.metrics.ConsumerError(c.queue, "rejected")
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}

	default:
		c.logger.Error("failed to ingest meter readings", "count", len(readings), "error", err)
		c.metrics.ConsumerError(c.queue, "ingest")
		// Requeue so the readings are retried once the store recovers.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
	}
}

// Stop closes the MQ client and, if Start succeeded, waits for message
// processing to end. Processing ends when the Start context is canceled or
// the broker closes the delivery channel.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	var err error
	c.stopOnce.Do(func() {
		if closeErr := c.client.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close mq client: %w", closeErr)
		}
	})

	if c.started.Load() {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return err
}
