package redis

import (
	"github.com/cschleiden/go-triage/backend"
)

type RedisOptions struct {
	*backend.Options

	KeyPrefix string
}

type RedisBackendOption func(*RedisOptions)

func WithBackendOptions(opts ...backend.BackendOption) RedisBackendOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}

// WithKeyPrefix namespaces all keys written by the backend, e.g. to share a database between
// deployments.
func WithKeyPrefix(keyPrefix string) RedisBackendOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}
