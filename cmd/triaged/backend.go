package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/memory"
	"github.com/cschleiden/go-triage/backend/mysql"
	"github.com/cschleiden/go-triage/backend/redis"
	"github.com/cschleiden/go-triage/backend/sqlite"
	"github.com/cschleiden/go-triage/config"
)

func openBackend(ctx context.Context, c config.BackendConfig, logger *slog.Logger, opts ...backend.BackendOption) (backend.Backend, error) {
	switch c.Type {
	case config.BackendMemory:
		return memory.NewMemoryBackend(opts...), nil

	case config.BackendSQLite:
		return sqlite.NewSqliteBackend(c.SQLite.Path, sqlite.WithBackendOptions(opts...)), nil

	case config.BackendMySQL:
		m := c.MySQL
		b := mysql.NewMysqlBackend(m.Host, m.Port, m.User, m.Password, m.Database,
			mysql.WithApplyMigrations(false),
			mysql.WithBackendOptions(opts...),
		)

		// Migrating fails until the server accepts connections
		if err := waitFor(ctx, c.ConnectTimeout, logger, "mysql", b.Migrate); err != nil {
			b.Close()
			return nil, err
		}

		return b, nil

	case config.BackendRedis:
		r := c.Redis
		client := redisv9.NewUniversalClient(&redisv9.UniversalOptions{
			Addrs:    r.Addrs,
			Password: r.Password,
			DB:       r.DB,
		})

		if err := waitFor(ctx, c.ConnectTimeout, logger, "redis", func() error {
			return client.Ping(ctx).Err()
		}); err != nil {
			client.Close()
			return nil, err
		}

		b, err := redis.NewRedisBackend(client, redis.WithKeyPrefix(r.KeyPrefix), redis.WithBackendOptions(opts...))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating redis backend: %w", err)
		}

		return b, nil
	}

	return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, c.Type)
}

// waitFor retries op with exponential backoff until it succeeds or timeout elapses.
func waitFor(ctx context.Context, timeout time.Duration, logger *slog.Logger, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.Warn("waiting for backend", "backend", name, "retry_in", d, "error", err)
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", name, err)
	}

	return nil
}
