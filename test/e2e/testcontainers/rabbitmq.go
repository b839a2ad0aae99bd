package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User and Password default to guest.
	User     string
	Password string
	// ContainerName is optional.
	ContainerName string
}

// StartRabbitMQ starts a RabbitMQ container and returns it with its AMQP URL.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	cfg := RabbitMQConfig{User: "guest", Password: "guest"}
	if config != nil {
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		cfg.ContainerName = config.ContainerName
	}

	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": cfg.User,
			"RABBITMQ_DEFAULT_PASS": cfg.Password,
		},
		Name: cfg.ContainerName,
	}, "5672")
	if err != nil {
		return nil, "", err
	}

	return ep.container, fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, ep.host, ep.port), nil
}
