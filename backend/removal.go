package backend

import (
	"time"
)

type RemovalOptions struct {
	FinishedBefore time.Time
}

type RemovalOption func(o *RemovalOptions)

func RemoveFinishedBefore(t time.Time) RemovalOption {
	return func(o *RemovalOptions) {
		o.FinishedBefore = t
	}
}

func ApplyRemovalOptions(opts ...RemovalOption) RemovalOptions {
	var o RemovalOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
