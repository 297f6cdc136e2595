package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cschleiden/go-triage/internal/metrics"
	mi "github.com/cschleiden/go-triage/metrics"
)

// Endpoints are the URLs the collaborators are reached at. Empty endpoints are not configured, calling
// the corresponding collaborator returns ErrEndpointNotConfigured.
type Endpoints struct {
	Classify      string `yaml:"classify"`
	Score         string `yaml:"score"`
	Notify        string `yaml:"notify"`
	ApplyCategory string `yaml:"apply_category"`
	SendReply     string `yaml:"send_reply"`
}

// Paths are the gjson paths the results are read from in response bodies.
type Paths struct {
	Category         string `yaml:"category"`
	Rationale        string `yaml:"rationale"`
	Priority         string `yaml:"priority"`
	ChannelMessageID string `yaml:"channel_message_id"`
}

var DefaultPaths = Paths{
	Category:         "category",
	Rationale:        "rationale",
	Priority:         "priority",
	ChannelMessageID: "channel_message_id",
}

type Options struct {
	Paths Paths

	// Timeout of a single request
	Timeout time.Duration

	// Headers are added to every request
	Headers map[string]string

	HTTPClient *http.Client

	Logger *slog.Logger

	Metrics mi.Client
}

var DefaultOptions = Options{
	Paths:   DefaultPaths,
	Timeout: 10 * time.Second,
	Logger:  slog.Default(),
	Metrics: metrics.NewNoopMetricsClient(),
}

type Option func(o *Options)

func WithPaths(p Paths) Option {
	return func(o *Options) {
		if p.Category != "" {
			o.Paths.Category = p.Category
		}

		if p.Rationale != "" {
			o.Paths.Rationale = p.Rationale
		}

		if p.Priority != "" {
			o.Paths.Priority = p.Priority
		}

		if p.ChannelMessageID != "" {
			o.Paths.ChannelMessageID = p.ChannelMessageID
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithHeader(name, value string) Option {
	return func(o *Options) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}

		o.Headers[name] = value
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client mi.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}
