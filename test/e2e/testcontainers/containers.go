// Package testcontainers starts the Redis, RabbitMQ and PostgreSQL containers used by the e2e suites.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// endpoint is a started container and the host:port mapped for its main port.
type endpoint struct {
	container testcontainers.Container
	host      string
	port      int
}

// start runs req and resolves the host mapping of port. The container is
// terminated when the mapping cannot be resolved.
func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (*endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return nil, terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return &endpoint{container: container, host: host, port: mapped.Int()}, nil
}

func terminate(ctx context.Context, container testcontainers.Container, cause error) error {
	if err := container.Terminate(ctx); err != nil {
		return fmt.Errorf("%w (cleanup error: %w)", cause, err)
	}
	return cause
}
