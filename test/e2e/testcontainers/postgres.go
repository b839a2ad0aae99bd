package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User defaults to postgres.
	User string
	// Password defaults to postgres.
	Password string
	// Database defaults to testdb.
	Database string
	// ContainerName is optional.
	ContainerName string
}

// Postgres is a running PostgreSQL container and its connection parameters.
type Postgres struct {
	Container testcontainers.Container
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
}

// DSN returns a libpq connection string for the container.
func (p *Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// StartPostgres starts a PostgreSQL container for the reading archive tests.
func StartPostgres(ctx context.Context, config *PostgresConfig) (*Postgres, error) {
	cfg := PostgresConfig{User: "postgres", Password: "postgres", Database: "testdb"}
	if config != nil {
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		if config.Database != "" {
			cfg.Database = config.Database
		}
		cfg.ContainerName = config.ContainerName
	}

	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			// The server logs readiness twice; the first is the init-only instance.
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		Name: cfg.ContainerName,
	}, "5432")
	if err != nil {
		return nil, err
	}

	return &Postgres{
		Container: ep.container,
		Host:      ep.host,
		Port:      ep.port,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
	}, nil
}
