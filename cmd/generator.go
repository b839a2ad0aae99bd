package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/solarwatch/internal/producer"
	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/metrics"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the site fleet simulator",
	Long: `Run the site fleet simulator that:
- Generates a fleet of fake solar sites around a center point, or loads one from a YAML file
- Registers the sites through the backend API
- Publishes meter readings following a daylight curve to RabbitMQ
- Supports multiple concurrent producers`,
	PreRunE: bindGeneratorFlags,
	RunE:    runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("queue-name", "meter-readings", "RabbitMQ queue name for meter readings")
	generatorCmd.Flags().String("api-url", "", "backend API URL used to register sites (empty skips registration)")
	generatorCmd.Flags().Int("producer-count", 5, "Number of concurrent producers")
	generatorCmd.Flags().Int("sites-per-producer", 4, "Number of sites each producer simulates")
	generatorCmd.Flags().Int64("first-site-id", 1, "Id of the first generated site")
	generatorCmd.Flags().Float64("center-lat", 37.8044, "Latitude the fleet is scattered around")
	generatorCmd.Flags().Float64("center-lng", -122.2712, "Longitude the fleet is scattered around")
	generatorCmd.Flags().Float64("spread-km", 50, "Maximum distance of a site from the center")
	generatorCmd.Flags().String("sites-file", "", "YAML fleet file replacing the generated fleet")
	generatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between reading batches")
	generatorCmd.Flags().String("metrics-addr", "", "address serving Prometheus metrics (empty disables)")
}

func bindGeneratorFlags(cmd *cobra.Command, _ []string) error {
	return bindFlags(cmd, map[string]string{
		"generator.rabbitmq.url":        "rabbitmq-url",
		"generator.rabbitmq.queue_name": "queue-name",
		"generator.api_url":             "api-url",
		"generator.producer_count":      "producer-count",
		"generator.sites_per_producer":  "sites-per-producer",
		"generator.first_site_id":       "first-site-id",
		"generator.center.lat":          "center-lat",
		"generator.center.lng":          "center-lng",
		"generator.spread_km":           "spread-km",
		"generator.sites_file":          "sites-file",
		"generator.interval":            "interval",
		"generator.metrics_addr":        "metrics-addr",
	})
}

func runGenerator(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("solarwatch-generator")
	logger.Info("starting generator service")

	config := &producer.ServerConfig{
		Logger:           logger,
		RabbitMQURL:      viper.GetString("generator.rabbitmq.url"),
		QueueName:        viper.GetString("generator.rabbitmq.queue_name"),
		APIURL:           viper.GetString("generator.api_url"),
		ProducerCount:    viper.GetInt("generator.producer_count"),
		SitesPerProducer: viper.GetInt("generator.sites_per_producer"),
		FirstSiteID:      viper.GetInt64("generator.first_site_id"),
		Center: solar.Coordinate{
			Lat: viper.GetFloat64("generator.center.lat"),
			Lng: viper.GetFloat64("generator.center.lng"),
		},
		SpreadKm:  viper.GetFloat64("generator.spread_km"),
		Interval:  viper.GetDuration("generator.interval"),
		Metrics:   metrics.NewProducerMetrics("solarwatch"),
		MQMetrics: metrics.NewMQMetrics("solarwatch"),
	}

	if path := viper.GetString("generator.sites_file"); path != "" {
		sites, err := loadFleet(path)
		if err != nil {
			return err
		}
		config.Sites = sites
	}

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	if addr := viper.GetString("generator.metrics_addr"); addr != "" {
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	logger.Info("generator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"api_url", config.APIURL,
		"producer_count", config.ProducerCount,
		"site_count", len(server.Sites()),
		"interval", config.Interval,
	)

	if err := server.Run(commandContext(cmd)); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}
