package action

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/backend/converter"
	mi "github.com/cschleiden/go-triage/internal/metrics"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/workflow"
)

// RetryHook is called before the executor waits for the next attempt.
type RetryHook func(kind string, attempt int, delay time.Duration, err error)

type Options struct {
	RetryOptions workflow.RetryOptions

	// CacheSize is the maximum number of applied actions kept in memory
	CacheSize int

	// CacheTTL is the time applied actions are kept in memory
	CacheTTL time.Duration

	Logger    *slog.Logger
	Metrics   metrics.Client
	Converter converter.Converter
	Clock     clock.Clock

	OnRetry RetryHook
}

var DefaultOptions = Options{
	RetryOptions: workflow.DefaultRetryOptions,
	CacheSize:    1024,
	CacheTTL:     10 * time.Minute,
}

type Option func(*Options)

func WithRetryOptions(ro workflow.RetryOptions) Option {
	return func(o *Options) {
		o.RetryOptions = ro
	}
}

func WithCache(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheSize = size
		o.CacheTTL = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithConverter(c converter.Converter) Option {
	return func(o *Options) {
		o.Converter = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithOnRetry registers a hook that observes every scheduled retry.
func WithOnRetry(hook RetryHook) Option {
	return func(o *Options) {
		o.OnRetry = hook
	}
}

func applyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.Converter == nil {
		options.Converter = converter.DefaultConverter
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.RetryOptions.MaxAttempts < 1 {
		options.RetryOptions.MaxAttempts = 1
	}

	return options
}
