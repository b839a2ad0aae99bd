package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/solarwatch/internal/backend"
	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/kv/memstore"
	"procodus.dev/solarwatch/pkg/kv/redisstore"
	"procodus.dev/solarwatch/pkg/metrics"
)

// storeFlags adds the store connection flags shared by serve, sites and export.
// They are bound to viper keys in bindStoreFlags, from PreRunE, so that only
// the running command's flags are bound.
func storeFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", backend.StoreRedis, "store backend (redis, memory)")
	cmd.Flags().String("redis-addr", "localhost:6379", "Redis address")
	cmd.Flags().String("redis-password", "", "Redis password")
	cmd.Flags().Int("redis-db", 0, "Redis database number")
	cmd.Flags().Int("redis-pool-size", 0, "Redis connection pool size (0 uses the client default)")
	cmd.Flags().String("key-prefix", backend.DefaultKeyPrefix, "prefix of every key written to the store")
	cmd.Flags().Duration("op-timeout", 5*time.Second, "timeout of a single store operation")
}

func bindStoreFlags(cmd *cobra.Command, _ []string) error {
	return bindFlags(cmd, map[string]string{
		"backend.store":           "store",
		"backend.redis.addr":      "redis-addr",
		"backend.redis.password":  "redis-password",
		"backend.redis.db":        "redis-db",
		"backend.redis.pool_size": "redis-pool-size",
		"backend.keyspace.prefix": "key-prefix",
		"backend.op_timeout":      "op-timeout",
	})
}

// bindFlags binds viper keys to the named flags of cmd.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", name, err)
		}
	}
	return nil
}

// openCore connects to the configured store and builds a core on it for the
// offline commands. The returned close function releases the store.
func openCore(ctx context.Context, logger *slog.Logger) (*solar.Core, func() error, error) {
	var (
		store kv.Store
		err   error
	)

	switch viper.GetString("backend.store") {
	case backend.StoreMemory:
		logger.Warn("using in-memory store, nothing is persisted")
		store = memstore.New()
	case backend.StoreRedis:
		store, err = redisstore.New(ctx, &redisstore.Config{
			Logger:   logger,
			Addr:     viper.GetString("backend.redis.addr"),
			Password: viper.GetString("backend.redis.password"),
			DB:       viper.GetInt("backend.redis.db"),
			PoolSize: viper.GetInt("backend.redis.pool_size"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unknown store %q", viper.GetString("backend.store"))
	}

	prefix := viper.GetString("backend.keyspace.prefix")
	if prefix == "" {
		prefix = backend.DefaultKeyPrefix
	}

	core, err := solar.New(&solar.Config{
		Logger:    logger,
		Store:     store,
		Metrics:   metrics.NewStoreMetrics("solarwatch_cli"),
		KeyPrefix: prefix,
		OpTimeout: viper.GetDuration("backend.op_timeout"),
	})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to initialize core: %w", err), store.Close())
	}

	return core, store.Close, nil
}
