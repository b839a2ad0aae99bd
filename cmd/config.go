package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/solarwatch/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/solarwatch/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// SOLARWATCH_BACKEND_REDIS_ADDR overrides backend.redis.addr.
	viper.SetEnvPrefix("SOLARWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		if cfgFile == "" && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  logger.ParseFormat(viper.GetString("log.format")),
		Service: service,
	})
}
