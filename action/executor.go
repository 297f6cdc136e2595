package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/jellydator/ttlcache/v3"
)

// Executor runs side-effecting collaborator calls. Each call is identified by its business id and
// action kind and applied at most once, failures are retried with exponential backoff.
type Executor struct {
	actions backend.ActionLog
	options Options

	// applied is a read-through cache in front of the action ledger. Only applied records are cached,
	// they never change.
	applied *ttlcache.Cache[core.ActionKey, *core.ActionRecord]
}

func NewExecutor(actions backend.ActionLog, opts ...Option) *Executor {
	options := applyOptions(opts...)

	cacheOpts := []ttlcache.Option[core.ActionKey, *core.ActionRecord]{
		ttlcache.WithTTL[core.ActionKey, *core.ActionRecord](options.CacheTTL),
	}
	if options.CacheSize > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[core.ActionKey, *core.ActionRecord](uint64(options.CacheSize)))
	}

	return &Executor{
		actions: actions,
		options: options,
		applied: ttlcache.New(cacheOpts...),
	}
}

// StartEviction removes expired entries from the cache until the context is cancelled.
func (e *Executor) StartEviction(ctx context.Context) {
	go e.applied.Start()

	<-ctx.Done()

	e.applied.Stop()
}

// Do applies the action identified by key unless it has already been applied, in which case the
// stored result is returned and fn is not called.
func Do[T any](ctx context.Context, e *Executor, key core.ActionKey, instanceID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	logger := e.options.Logger.With(
		slog.String(log.BusinessIDKey, key.BusinessID),
		slog.String(log.ActionKindKey, key.Kind),
		slog.String(log.WorkflowIDKey, instanceID),
	)

	r, err := e.lookup(ctx, key, instanceID)
	if err != nil {
		return result, err
	}

	if r != nil {
		logger.DebugContext(ctx, "action already applied, returning recorded result")
		e.options.Metrics.Counter(metrickeys.ActionDeduplicated, metrics.Tags{metrickeys.ActionKind: key.Kind}, 1)

		if len(r.Result) > 0 {
			if err := e.options.Converter.From(r.Result, &result); err != nil {
				return result, fmt.Errorf("decoding recorded result of action %s: %w", key, err)
			}
		}

		return result, nil
	}

	result, attempts, err := retry(ctx, e, key.Kind, fn)
	if err != nil {
		if ctx.Err() != nil {
			// Not a collaborator failure, the action may still be applied later
			return result, err
		}

		record := &core.ActionRecord{
			ActionKey:  key,
			InstanceID: instanceID,
			Status:     core.ActionStatusFailed,
			ErrorKind:  errorKind(err),
			Error:      err.Error(),
			Attempts:   attempts,
		}
		if rerr := e.actions.RecordAction(ctx, record); rerr != nil {
			logger.ErrorContext(ctx, "could not record failed action", "error", rerr)
		}

		e.options.Metrics.Counter(metrickeys.ActionFailed, metrics.Tags{
			metrickeys.ActionKind: key.Kind,
			metrickeys.Reason:     record.ErrorKind,
		}, 1)

		return result, err
	}

	data, err := e.options.Converter.To(result)
	if err != nil {
		return result, fmt.Errorf("encoding result of action %s: %w", key, err)
	}

	record := &core.ActionRecord{
		ActionKey:  key,
		InstanceID: instanceID,
		Status:     core.ActionStatusApplied,
		Result:     data,
		Attempts:   attempts,
	}

	if err := e.actions.RecordAction(ctx, record); err != nil {
		if errors.Is(err, backend.ErrActionAlreadyApplied) {
			logger.WarnContext(ctx, "action was applied concurrently")
			return result, nil
		}

		return result, fmt.Errorf("recording action %s: %w", key, err)
	}

	e.applied.Set(key, record, ttlcache.DefaultTTL)

	return result, nil
}

// Retry calls fn until it succeeds, fails with an error that is not transient, or the retry budget
// is used up. Results are not recorded, use it for collaborators without side effects.
func Retry[T any](ctx context.Context, e *Executor, collaborator string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, _, err := retry(ctx, e, collaborator, fn)
	return result, err
}

// lookup returns the applied record for the given key, or nil if the action has not been applied.
func (e *Executor) lookup(ctx context.Context, key core.ActionKey, instanceID string) (*core.ActionRecord, error) {
	if item := e.applied.Get(key); item != nil {
		// Records of a previous instance for the same business id are gone from the ledger
		if r := item.Value(); r.InstanceID == instanceID {
			return r, nil
		}

		e.applied.Delete(key)
	}

	r, err := e.actions.GetAction(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrActionNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("looking up action %s: %w", key, err)
	}

	if r.Status != core.ActionStatusApplied {
		return nil, nil
	}

	e.applied.Set(key, r, ttlcache.DefaultTTL)

	return r, nil
}
