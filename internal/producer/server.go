package producer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/generator"
	"procodus.dev/solarwatch/pkg/metrics"
	"procodus.dev/solarwatch/pkg/mq"
)

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	Logger      *slog.Logger
	RabbitMQURL string
	// QueueName is the queue the backend consumes readings from.
	QueueName string
	// APIURL is the backend API used to register sites. Optional.
	APIURL string
	// Interval is the time between reading batches.
	Interval time.Duration
	// ProducerCount is the number of concurrent producers.
	ProducerCount int
	// SitesPerProducer is the number of sites each producer simulates. Defaults to 1.
	SitesPerProducer int
	// FirstSiteID is the id of the first simulated site. Defaults to 1.
	FirstSiteID int64
	// Center and SpreadKm place the fleet on the map.
	Center   solar.Coordinate
	SpreadKm float64
	// Sites replaces the generated fleet when set. It is split across producers.
	Sites []solar.Site

	Metrics   *metrics.ProducerMetrics
	MQMetrics *metrics.MQMetrics
}

// Server manages multiple producer instances.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	producers []*Producer
	clients   []*mq.Client
	wg        sync.WaitGroup
	metrics   *metrics.ProducerMetrics
	closeOnce sync.Once
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errTooFewSites          = errors.New("every producer needs at least one site")
)

// NewServer creates a producer server and one RabbitMQ client per producer.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	fleets, err := splitFleet(cfg)
	if err != nil {
		return nil, err
	}

	var registrar SiteRegistrar
	if cfg.APIURL != "" {
		r, err := NewHTTPRegistrar(cfg.APIURL, nil)
		if err != nil {
			return nil, err
		}
		registrar = r
	}

	s := &Server{
		config:    cfg,
		producers: make([]*Producer, 0, cfg.ProducerCount),
		clients:   make([]*mq.Client, 0, cfg.ProducerCount),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}

	for i, sites := range fleets {
		client, err := mq.NewClient(&mq.Config{
			Logger:    cfg.Logger.With(slog.String("component", "mq-client"), slog.Int("producer_id", i)),
			URL:       cfg.RabbitMQURL,
			QueueName: cfg.QueueName,
			Durable:   true,
			Metrics:   cfg.MQMetrics,
		})
		if err != nil {
			s.closeClients()
			return nil, err
		}
		s.clients = append(s.clients, client)

		producer, err := NewProducer(&Config{
			Logger:    cfg.Logger.With(slog.Int("producer_id", i)),
			Client:    client,
			Sites:     sites,
			Interval:  cfg.Interval,
			Registrar: registrar,
			Metrics:   cfg.Metrics,
		})
		if err != nil {
			s.closeClients()
			return nil, err
		}
		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"queue", cfg.QueueName,
			"site_count", len(sites),
		)
	}

	return s, nil
}

// splitFleet assigns sites to producers, generating them when none are configured.
func splitFleet(cfg *ServerConfig) ([][]solar.Site, error) {
	fleets := make([][]solar.Site, cfg.ProducerCount)

	if len(cfg.Sites) > 0 {
		if len(cfg.Sites) < cfg.ProducerCount {
			return nil, errTooFewSites
		}
		for i, site := range cfg.Sites {
			fleets[i%cfg.ProducerCount] = append(fleets[i%cfg.ProducerCount], site)
		}
		return fleets, nil
	}

	perProducer := cfg.SitesPerProducer
	if perProducer <= 0 {
		perProducer = 1
	}

	firstID := cfg.FirstSiteID
	if firstID <= 0 {
		firstID = 1
	}

	for i := range fleets {
		start := firstID + int64(i*perProducer)
		fleets[i] = generator.Fleet(start, perProducer, cfg.Center, cfg.SpreadKm)
	}
	return fleets, nil
}

// Sites returns every simulated site across producers.
func (s *Server) Sites() []solar.Site {
	var sites []solar.Site
	for _, p := range s.producers {
		sites = append(sites, p.Sites()...)
	}
	return sites
}

// Run registers the fleet, starts all producers and blocks until ctx ends or
// a shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("producer server started",
		"producer_count", len(s.producers),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for producers to shut down...")
	s.wg.Wait()

	s.closeClients()

	s.logger.Info("producer server stopped")
	return nil
}

// runProducer registers the producer's sites, then publishes a batch on every tick.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	s.metrics.ProducerRunning(true)
	defer s.metrics.ProducerRunning(false)

	producerLogger := s.logger.With(slog.Int("producer_id", id))

	if err := producer.Register(ctx); err != nil {
		producerLogger.Error("failed to register sites", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	producerLogger.Info("producer started")

	for {
		select {
		case <-ctx.Done():
			producerLogger.Info("producer shutting down")
			return

		case <-ticker.C:
			if err := producer.Publish(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				producerLogger.Error("failed to publish readings", "error", err)
				continue
			}

			producerLogger.Debug("readings published")
		}
	}
}

// closeClients closes all MQ clients once.
func (s *Server) closeClients() {
	s.closeOnce.Do(func() {
		var wg sync.WaitGroup

		for i, client := range s.clients {
			wg.Add(1)
			go func(id int, c *mq.Client) {
				defer wg.Done()

				if err := c.Close(); err != nil {
					s.logger.Error("failed to close MQ client", "producer_id", id, "error", err)
					return
				}

				s.logger.Info("MQ client closed", "producer_id", id)
			}(i, client)
		}

		wg.Wait()
	})
}

// Shutdown closes every MQ client. Running producers stop once their
// context is canceled.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.closeClients()
	return nil
}
