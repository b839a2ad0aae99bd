package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds configuration for Redis test container.
type RedisConfig struct {
	// Image defaults to redis:7-alpine. GEOSEARCH needs Redis 6.2 or newer.
	Image string
	// ContainerName is optional.
	ContainerName string
}

// StartRedis starts a Redis container and returns it with its host:port address.
func StartRedis(ctx context.Context, config *RedisConfig) (testcontainers.Container, string, error) {
	cfg := RedisConfig{Image: "redis:7-alpine"}
	if config != nil {
		if config.Image != "" {
			cfg.Image = config.Image
		}
		cfg.ContainerName = config.ContainerName
	}

	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		Name: cfg.ContainerName,
	}, "6379")
	if err != nil {
		return nil, "", err
	}

	return ep.container, fmt.Sprintf("%s:%d", ep.host, ep.port), nil
}
