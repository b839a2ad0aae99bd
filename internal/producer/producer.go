// Package producer simulates a fleet of solar sites that report meter
// readings to RabbitMQ.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/generator"
	"procodus.dev/solarwatch/pkg/metrics"
	"procodus.dev/solarwatch/pkg/mq"
)

// Producer owns a set of simulated sites and publishes one batch of readings
// per Publish call.
type Producer struct {
	logger     *slog.Logger
	client     mq.ClientInterface
	registrar  SiteRegistrar
	sites      []solar.Site
	generators []*generator.ReadingGenerator
	metrics    *metrics.ProducerMetrics
	now        func() time.Time
}

// Config holds the configuration for a Producer.
type Config struct {
	Logger *slog.Logger
	Client mq.ClientInterface
	Sites  []solar.Site

	// Interval is the span each reading covers.
	Interval time.Duration

	// Registrar is optional. Without it sites are assumed to exist.
	Registrar SiteRegistrar
	Metrics   *metrics.ProducerMetrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

var (
	errNoSites          = errors.New("producer needs at least one site")
	errInvalidInterval  = errors.New("interval must be greater than 0")
	errLoggerRequired   = errors.New("logger is required")
	errMQClientRequired = errors.New("mq client is required")
)

// NewProducer creates a Producer for cfg.Sites.
func NewProducer(cfg *Config) (*Producer, error) {
	if cfg == nil {
		return nil, errors.New("producer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Client == nil {
		return nil, errMQClientRequired
	}

	if len(cfg.Sites) == 0 {
		return nil, errNoSites
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	gens := make([]*generator.ReadingGenerator, len(cfg.Sites))
	for i, s := range cfg.Sites {
		gens[i] = generator.NewReadingGenerator(s, cfg.Interval)
	}

	return &Producer{
		logger:     cfg.Logger,
		client:     cfg.Client,
		registrar:  cfg.Registrar,
		sites:      cfg.Sites,
		generators: gens,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// Sites returns the simulated sites.
func (p *Producer) Sites() []solar.Site {
	return p.sites
}

// Register creates every site through the registrar. Sites that already
// exist are left as they are.
func (p *Producer) Register(ctx context.Context) error {
	if p.registrar == nil {
		return nil
	}

	for _, s := range p.sites {
		if err := p.registrar.Register(ctx, s); err != nil {
			return fmt.Errorf("failed to register site %d: %w", s.ID, err)
		}
		p.metrics.SiteRegistered()
	}

	p.logger.Info("sites registered", "count", len(p.sites))
	return nil
}

// Publish generates one reading per site and pushes them as a JSON array.
func (p *Producer) Publish(ctx context.Context) (err error) {
	defer func(start time.Time) {
		for range p.sites {
			p.metrics.Generated(start, err)
		}
	}(time.Now())

	t := p.now().UTC().Truncate(time.Millisecond)
	batch := make([]solar.MeterReading, len(p.generators))
	for i, g := range p.generators {
		batch[i] = g.Next(t)
	}

	message, err := json.Marshal(batch)
	if err != nil {
		p.metrics.PublishFailed("marshal_error")
		return fmt.Errorf("failed to marshal readings: %w", err)
	}

	if err := p.client.Push(ctx, message); err != nil {
		p.metrics.PublishFailed("push_error")
		return fmt.Errorf("failed to push readings: %w", err)
	}

	return nil
}
