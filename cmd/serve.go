package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/solarwatch/internal/backend"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"backend"},
	Short:   "Run the backend server",
	Long: `Run the backend server that:
- Stores sites, capacity rankings, geo positions and metrics in Redis
- Consumes meter readings from RabbitMQ
- Optionally archives raw readings in PostgreSQL
- Serves the HTTP API and Prometheus metrics`,
	PreRunE: bindServeFlags,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	storeFlags(serveCmd)

	serveCmd.Flags().Int("max-stats-retries", 3, "retries of a conflicting site stats update")
	serveCmd.Flags().String("last-reporting", "overwrite", "last reporting time policy (overwrite, max)")
	serveCmd.Flags().Int("batch-parallelism", 8, "concurrent sites when ingesting a reading batch")
	serveCmd.Flags().Int64("feed-max-len", 0, "approximate maximum length of the reading feed (0 keeps everything)")
	serveCmd.Flags().Duration("metrics-retention", 0, "retention of metric day buckets (0 keeps everything)")

	serveCmd.Flags().Bool("archive", false, "archive raw readings in PostgreSQL")
	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "solarwatch", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	serveCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL (empty disables the consumer)")
	serveCmd.Flags().String("queue-name", "meter-readings", "RabbitMQ queue name for meter readings")
	serveCmd.Flags().String("feed-queue-name", "", "RabbitMQ queue mirroring accepted readings (empty disables)")
	serveCmd.Flags().Int("http-port", 8080, "HTTP API port")
}

func bindServeFlags(cmd *cobra.Command, args []string) error {
	if err := bindStoreFlags(cmd, args); err != nil {
		return err
	}

	return bindFlags(cmd, map[string]string{
		"backend.ingest.max_stats_retries": "max-stats-retries",
		"backend.ingest.last_reporting":    "last-reporting",
		"backend.ingest.batch_parallelism": "batch-parallelism",
		"backend.feed.max_len":             "feed-max-len",
		"backend.metrics.retention":        "metrics-retention",
		"backend.archive.enabled":          "archive",
		"backend.db.host":                  "db-host",
		"backend.db.port":                  "db-port",
		"backend.db.user":                  "db-user",
		"backend.db.password":              "db-password",
		"backend.db.name":                  "db-name",
		"backend.db.sslmode":               "db-sslmode",
		"backend.rabbitmq.url":             "rabbitmq-url",
		"backend.rabbitmq.queue_name":      "queue-name",
		"backend.rabbitmq.feed_queue_name": "feed-queue-name",
		"backend.http.port":                "http-port",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("solarwatch-backend")
	logger.Info("starting backend service")

	config := &backend.ServerConfig{
		Logger:           logger,
		Store:            viper.GetString("backend.store"),
		RedisAddr:        viper.GetString("backend.redis.addr"),
		RedisPassword:    viper.GetString("backend.redis.password"),
		RedisDB:          viper.GetInt("backend.redis.db"),
		RedisPoolSize:    viper.GetInt("backend.redis.pool_size"),
		KeyPrefix:        viper.GetString("backend.keyspace.prefix"),
		OpTimeout:        viper.GetDuration("backend.op_timeout"),
		MaxStatsRetries:  viper.GetInt("backend.ingest.max_stats_retries"),
		LastReporting:    viper.GetString("backend.ingest.last_reporting"),
		BatchParallelism: viper.GetInt("backend.ingest.batch_parallelism"),
		FeedMaxLen:       viper.GetInt64("backend.feed.max_len"),
		MetricRetention:  viper.GetDuration("backend.metrics.retention"),
		ArchiveEnabled:   viper.GetBool("backend.archive.enabled"),
		DBHost:           viper.GetString("backend.db.host"),
		DBPort:           viper.GetInt("backend.db.port"),
		DBUser:           viper.GetString("backend.db.user"),
		DBPassword:       viper.GetString("backend.db.password"),
		DBName:           viper.GetString("backend.db.name"),
		DBSSLMode:        viper.GetString("backend.db.sslmode"),
		RabbitMQURL:      viper.GetString("backend.rabbitmq.url"),
		QueueName:        viper.GetString("backend.rabbitmq.queue_name"),
		FeedQueueName:    viper.GetString("backend.rabbitmq.feed_queue_name"),
		HTTPAddr:         fmt.Sprintf(":%d", viper.GetInt("backend.http.port")),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"store", config.Store,
		"redis_addr", config.RedisAddr,
		"key_prefix", config.KeyPrefix,
		"archive", config.ArchiveEnabled,
		"reading_queue", config.QueueName,
		"feed_queue", config.FeedQueueName,
		"http_addr", config.HTTPAddr,
	)

	if err := server.Run(commandContext(cmd)); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}

// commandContext returns the command's context, falling back to Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
