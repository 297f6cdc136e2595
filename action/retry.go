package action

import (
	"context"
	"log/slog"

	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/workflow"
)

// retry returns the result of fn and the number of attempts made. Errors that end the retry loop
// are returned as CollaboratorPermanentError, context errors of ctx are returned as-is.
func retry[T any](ctx context.Context, e *Executor, kind string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	ro := e.options.RetryOptions
	start := e.options.Clock.Now()

	var (
		result T
		err    error
	)

	attempt := 0
	for {
		attempt++

		e.options.Metrics.Counter(metrickeys.ActionAttempt, metrics.Tags{metrickeys.ActionKind: kind}, 1)

		result, err = fn(ctx)
		if err == nil {
			return result, attempt, nil
		}

		if ctx.Err() != nil {
			return result, attempt, ctx.Err()
		}

		if !IsTransient(err) || attempt >= ro.MaxAttempts {
			break
		}

		delay := ro.Backoff(attempt - 1)
		if ro.RetryTimeout > 0 && e.options.Clock.Since(start)+delay > ro.RetryTimeout {
			break
		}

		e.options.Logger.WarnContext(ctx, "collaborator call failed, retrying",
			slog.String(log.ActionKindKey, kind),
			slog.Int(log.AttemptKey, attempt),
			slog.Int64(log.BackoffKey, delay.Milliseconds()),
			"error", err,
		)

		if e.options.OnRetry != nil {
			e.options.OnRetry(kind, attempt, delay, err)
		}

		t := e.options.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return result, attempt, ctx.Err()
		case <-t.C:
		}
	}

	return result, attempt, &workflow.CollaboratorPermanentError{
		Collaborator: kind,
		Kind:         kind,
		Attempts:     attempt,
		Err:          err,
	}
}
