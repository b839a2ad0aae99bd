package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/kv/memstore"
	"procodus.dev/solarwatch/pkg/kv/redisstore"
	"procodus.dev/solarwatch/pkg/metrics"
	"procodus.dev/solarwatch/pkg/mq"
)

// Store backends selectable with ServerConfig.Store.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

const (
	metricsNamespace = "solarwatch"

	// DefaultKeyPrefix namespaces every backend key when no prefix is configured.
	DefaultKeyPrefix = "solarwatch"
)

// Server runs the solar core behind the HTTP API and the queue consumer.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	store    kv.Store
	db       *gorm.DB
	core     *solar.Core
	consumer *Consumer
	mirror   *mq.Client
	http     *http.Server

	readyOnce sync.Once
	ready     chan struct{}
	addr      net.Addr
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Store is "redis" or "memory".
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Core tuning, passed through to solar.Config.
	KeyPrefix        string
	OpTimeout        time.Duration
	MaxStatsRetries  int
	LastReporting    string
	BatchParallelism int
	FeedMaxLen       int64
	MetricRetention  time.Duration

	// ArchiveEnabled keeps raw readings in PostgreSQL instead of the store.
	ArchiveEnabled bool
	DBHost         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBPort         int

	// RabbitMQURL enables the reading consumer when set.
	RabbitMQURL string
	QueueName   string
	// FeedQueueName, when set, mirrors every accepted reading to this queue.
	FeedQueueName string
	// ReadyTimeout bounds the wait for the first broker connection. Defaults to 30s.
	ReadyTimeout time.Duration

	// HTTPAddr is the API listen address, e.g. ":8080".
	HTTPAddr string
}

// NewServer validates cfg and returns a Server. Nothing is connected until Run.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.Store {
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis address cannot be empty")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.ArchiveEnabled {
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}

		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}

		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}

		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.FeedQueueName != "" && cfg.RabbitMQURL == "" {
		return nil, errors.New("feed queue requires a rabbitmq URL")
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("http address cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the API is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the API listen address. Valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) openStore(ctx context.Context) (kv.Store, error) {
	if s.config.Store == StoreMemory {
		s.logger.Warn("using in-memory store, data is lost on shutdown")
		return memstore.New(), nil
	}
	return redisstore.New(ctx, &redisstore.Config{
		Logger:   s.logger,
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
		PoolSize: s.config.RedisPoolSize,
	})
}

// Run starts every component and blocks until ctx ends, a signal arrives or
// the HTTP server fails. It always shuts down what it started.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server", "store", s.config.Store)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		cancel()
		return errors.Join(err, s.Shutdown())
	}

	lis, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		cancel()
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err), s.Shutdown())
	}
	s.addr = lis.Addr()

	httpErr := make(chan error, 1)
	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("backend server started successfully", "address", s.addr.String())
	s.readyOnce.Do(func() { close(s.ready) })

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("http server error", "error", err)
			runErr = err
		}
	}

	cancel()
	return errors.Join(runErr, s.Shutdown())
}

func (s *Server) start(ctx context.Context) error {
	store, err := s.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store

	backendMetrics := metrics.NewBackendMetrics(metricsNamespace)
	mqMetrics := metrics.NewMQMetrics(metricsNamespace)

	var readingLog solar.ReadingLog
	if s.config.ArchiveEnabled {
		db, err := NewDB(&DBConfig{
			Logger:   s.logger,
			Host:     s.config.DBHost,
			Port:     s.config.DBPort,
			User:     s.config.DBUser,
			Password: s.config.DBPassword,
			DBName:   s.config.DBName,
			SSLMode:  s.config.DBSSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		s.db = db

		archive, err := NewArchive(s.logger, db, backendMetrics)
		if err != nil {
			return err
		}
		readingLog = archive
		s.logger.Info("reading archive enabled")
	}

	var mirror solar.Mirror
	if s.config.FeedQueueName != "" {
		client, err := mq.NewClient(&mq.Config{
			Logger:    s.logger,
			URL:       s.config.RabbitMQURL,
			QueueName: s.config.FeedQueueName,
			Metrics:   mqMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create feed mirror client: %w", err)
		}
		s.mirror = client
		mirror = client
	}

	prefix := s.config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	core, err := solar.New(&solar.Config{
		Logger:           s.logger,
		Store:            store,
		Metrics:          metrics.NewStoreMetrics(metricsNamespace),
		KeyPrefix:        prefix,
		OpTimeout:        s.config.OpTimeout,
		MaxStatsRetries:  s.config.MaxStatsRetries,
		LastReporting:    solar.LastReportingPolicy(s.config.LastReporting),
		BatchParallelism: s.config.BatchParallelism,
		FeedMaxLen:       s.config.FeedMaxLen,
		FeedMirror:       mirror,
		MetricRetention:  s.config.MetricRetention,
		ReadingLog:       readingLog,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize core: %w", err)
	}
	s.core = core

	if s.config.RabbitMQURL != "" {
		client, err := mq.NewClient(&mq.Config{
			Logger:    s.logger,
			URL:       s.config.RabbitMQURL,
			QueueName: s.config.QueueName,
			Durable:   true,
			Prefetch:  32,
			Metrics:   mqMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer client: %w", err)
		}

		consumer, err := NewConsumer(&ConsumerConfig{
			Logger:       s.logger,
			Ingester:     core,
			Client:       client,
			QueueName:    s.config.QueueName,
			Metrics:      backendMetrics,
			ReadyTimeout: s.config.ReadyTimeout,
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		s.consumer = consumer

		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	api, err := NewAPI(s.logger, core, backendMetrics)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Shutdown gracefully stops every started component in reverse order.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	if s.http != nil {
		s.logger.Info("stopping http server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown error: %w", err))
		}
		cancel()
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
	}

	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Warn("failed to close feed mirror client", "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
