package metrics

import "time"

type Tags map[string]string

// With returns a copy of t with other added. Tags in other take precedence.
func (t Tags) With(other Tags) Tags {
	r := make(Tags, len(t)+len(other))
	for k, v := range t {
		r[k] = v
	}

	for k, v := range other {
		r[k] = v
	}

	return r
}

// Client reports workflow metrics. Implementations must be safe for concurrent use.
type Client interface {
	Counter(name string, tags Tags, value int64)

	Gauge(name string, tags Tags, value int64)

	Timing(name string, tags Tags, duration time.Duration)

	WithTags(tags Tags) Client
}
