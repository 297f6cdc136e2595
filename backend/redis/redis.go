package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/redis/go-redis/v9"
)

var _ backend.Backend = (*redisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	backendOptions := backend.ApplyOptions()

	// Default options
	options := &RedisOptions{
		Options: &backendOptions,
	}

	for _, opt := range opts {
		opt(options)
	}

	rb := &redisBackend{
		rdb:     client,
		options: options,
		keys:    newKeys(options.KeyPrefix),
	}

	// Preload scripts so a misconfigured server is detected on startup instead of on the first
	// workflow operation.
	ctx := context.Background()
	cmds := map[string]*redis.StringCmd{
		"createInstanceCmd":       createInstanceCmd.Load(ctx, rb.rdb),
		"saveCheckpointCmd":       saveCheckpointCmd.Load(ctx, rb.rdb),
		"removeInstanceCmd":       removeInstanceCmd.Load(ctx, rb.rdb),
		"registerCorrelationCmd":  registerCorrelationCmd.Load(ctx, rb.rdb),
		"attachChannelMessageCmd": attachChannelMessageCmd.Load(ctx, rb.rdb),
		"markCorrelationCmd":      markCorrelationCmd.Load(ctx, rb.rdb),
		"removeCorrelationCmd":    removeCorrelationCmd.Load(ctx, rb.rdb),
		"recordActionCmd":         recordActionCmd.Load(ctx, rb.rdb),
	}
	for name, cmd := range cmds {
		if cmd.Err() != nil {
			return nil, fmt.Errorf("loading redis script: %v %w", name, cmd.Err())
		}
	}

	return rb, nil
}

type redisBackend struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    *keys
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"})
}

func (rb *redisBackend) Options() *backend.Options {
	return rb.options.Options
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}

func (rb *redisBackend) now() int64 {
	return rb.options.Clock.Now().UnixMilli()
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func boolArg(v bool) string {
	if v {
		return "1"
	}

	return "0"
}
