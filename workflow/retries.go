package workflow

import (
	"math"
	"time"
)

type RetryOptions struct {
	// Maximum number of attempts, including the first one
	MaxAttempts int

	// Time to wait before first retry
	FirstRetryInterval time.Duration

	// Maximum delay for any individual retry attempt
	MaxRetryInterval time.Duration

	// Coeffecient for calculation the next retry delay
	BackoffCoefficient float64

	// Timeout after which retries are aborted
	RetryTimeout time.Duration
}

var DefaultRetryOptions = RetryOptions{
	MaxAttempts:        3,
	FirstRetryInterval: time.Second,
	MaxRetryInterval:   time.Minute,
	BackoffCoefficient: 2,
}

// Backoff returns the delay before the retry following the given failed attempt. Attempts are
// counted from 0.
func (o RetryOptions) Backoff(attempt int) time.Duration {
	coefficient := o.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}

	backoffDuration := time.Duration(float64(o.FirstRetryInterval) * math.Pow(coefficient, float64(attempt)))
	if o.MaxRetryInterval > 0 {
		backoffDuration = time.Duration(math.Min(float64(backoffDuration), float64(o.MaxRetryInterval)))
	}

	return backoffDuration
}
