// Package mq provides a RabbitMQ client with automatic reconnection and
// publisher confirms, used for the reading ingest queue and the feed mirror.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/solarwatch/pkg/metrics"
)

// Config holds the configuration for the Client.
type Config struct {
	Logger    *slog.Logger
	URL       string
	QueueName string

	// Durable declares the queue durable and publishes persistent messages.
	Durable bool

	// Prefetch is the consumer QoS prefetch count. Defaults to 1.
	Prefetch int

	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client is a RabbitMQ client bound to one queue. It reconnects in the
// background and re-declares the queue after channel failures.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	durable         bool
	prefetch        int
	isReady         bool
	metrics         *metrics.MQMetrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// NewClient validates cfg and starts connecting in the background.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	client := &Client{
		m:         &sync.Mutex{},
		logger:    cfg.Logger.With("queue", cfg.QueueName),
		queueName: cfg.QueueName,
		durable:   cfg.Durable,
		prefetch:  prefetch,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")
		client.metrics.Reconnect()

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		client.metrics.Connected(false)
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")
	client.metrics.Connected(true)
	return conn, nil
}

// handleReInit waits for a channel error and re-initializes the channel.
// It returns true when the client is shutting down.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirm-mode channel and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done", "durable", client.durable)
	return nil
}

// setReady flips readiness and wakes WaitReady callers on the first ready transition.
func (client *Client) setReady(ready bool) {
	client.m.Lock()
	defer client.m.Unlock()

	client.isReady = ready
	if ready {
		select {
		case <-client.ready:
		default:
			close(client.ready)
		}
	}
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// WaitReady blocks until the client has connected once, ctx ends or the client closes.
func (client *Client) WaitReady(ctx context.Context) error {
	select {
	case <-client.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	}
}

// backoff waits out the current delay and grows it. It returns an error when
// ctx ends or the client shuts down first.
func (client *Client) backoff(ctx context.Context, delay *time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case <-time.After(*delay):
	}
	*delay = min(*delay*backoffMultiplier, maxBackoff)
	return nil
}

// Push publishes data and waits for the broker's confirmation. While the
// client is disconnected it retries with exponential backoff, giving up after
// maxRetryAttempts.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	delay := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			client.metrics.PushFailed(client.queueName, "max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		if err := client.UnsafePush(ctx, data); err != nil {
			client.logger.Warn("push failed, retrying with backoff",
				"error", err,
				"backoff", delay,
				"attempt", attempt,
			)
			if err := client.backoff(ctx, &delay); err != nil {
				client.metrics.PushFailed(client.queueName, "canceled")
				return err
			}
			continue
		}

		client.m.Lock()
		confirms := client.notifyConfirm
		client.m.Unlock()

		select {
		case <-ctx.Done():
			client.metrics.PushFailed(client.queueName, "context_canceled")
			return ctx.Err()
		case confirm := <-confirms:
			if confirm.Ack {
				client.metrics.Pushed(client.queueName)
				client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "attempt", attempt)
				return nil
			}
			client.logger.Warn("push not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag)
			if err := client.backoff(ctx, &delay); err != nil {
				return err
			}
		}
	}
}

// UnsafePush publishes data without waiting for a confirmation.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	deliveryMode := amqp.Transient
	if client.durable {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryMode,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Consume returns the queue's deliveries. Each delivery must be acked or nacked.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(client.prefetch, 0, false); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close stops reconnecting and shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	select {
	case <-client.done:
		return errAlreadyClosed
	default:
	}
	close(client.done)
	client.metrics.Connected(false)

	if !client.isReady {
		return nil
	}
	client.isReady = false

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
