package engine

import (
	"time"

	"github.com/google/uuid"
)

type Options struct {
	// RetentionPeriod is the time terminal instances are kept before RemoveExpired deletes them
	RetentionPeriod time.Duration

	// RecoveryLease is the time after which a running instance without a new checkpoint is
	// considered interrupted. It must exceed the longest time a single node can take.
	RecoveryLease time.Duration

	// NewInstanceID generates the ids of new workflow instances
	NewInstanceID func() string
}

var DefaultOptions = Options{
	RetentionPeriod: 7 * 24 * time.Hour,
	RecoveryLease:   10 * time.Minute,
	NewInstanceID:   uuid.NewString,
}

type Option func(*Options)

func WithRetentionPeriod(d time.Duration) Option {
	return func(o *Options) {
		o.RetentionPeriod = d
	}
}

func WithInstanceIDGenerator(fn func() string) Option {
	return func(o *Options) {
		o.NewInstanceID = fn
	}
}

func WithRecoveryLease(d time.Duration) Option {
	return func(o *Options) {
		o.RecoveryLease = d
	}
}
