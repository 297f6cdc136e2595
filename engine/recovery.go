package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/internal/tracing"
	"github.com/cschleiden/go-triage/internal/workflowerrors"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotInterrupted is returned by Recover for instances that are paused, or running and
// checkpointed within the recovery lease.
var ErrNotInterrupted = errors.New("workflow instance is not interrupted")

// Recover continues a running instance whose execution stopped between two checkpoints, for
// example because the process executing it was terminated. Execution restarts at the node of the
// latest checkpoint with the state stored in it. Only instances that have not been checkpointed
// for longer than the recovery lease are recovered.
func (e *Engine[S]) Recover(ctx context.Context, instanceID string) (*Result[S], error) {
	ctx, span := e.tracer.Start(ctx, "Recover", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instanceID),
	))
	defer span.End()

	r, err := e.recoverInstance(ctx, instanceID)
	if err != nil && !errors.Is(err, ErrNotInterrupted) {
		tracing.WithSpanError(span, err)
	}

	return r, err
}

func (e *Engine[S]) recoverInstance(ctx context.Context, instanceID string) (*Result[S], error) {
	unlock, ok := e.tryLock(instanceID)
	if !ok {
		return nil, &workflow.ConcurrentResumeError{InstanceID: instanceID}
	}
	defer unlock()

	instance, err := e.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch {
	case instance.Status.Terminal():
		e.repairCorrelation(ctx, instance.BusinessID, instanceID)

		return nil, &workflow.AlreadyCompletedError{
			BusinessID: instance.BusinessID,
			InstanceID: instanceID,
			Status:     string(instance.Status),
		}

	case instance.Status != core.WorkflowInstanceStatusRunning:
		return nil, ErrNotInterrupted
	}

	cp, err := e.backend.LoadCheckpoint(ctx, instanceID)
	if errors.Is(err, backend.ErrCheckpointNotFound) {
		return e.recoverUncheckpointed(ctx, instance)
	}

	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	if cp.Status != core.WorkflowInstanceStatusRunning || !e.leaseExpired(cp.CreatedAt) {
		return nil, ErrNotInterrupted
	}

	state, err := e.decode(cp.State)
	if err != nil {
		return nil, err
	}

	// Claim the instance. The new checkpoint renews the lease, a concurrent recovery loses the CAS.
	seq, err := e.checkpoint(ctx, instance, cp.NodeID, core.WorkflowInstanceStatusRunning, cp.State, nil, cp.Sequence)
	if err != nil {
		return nil, err
	}

	// The correlation might still be paused if execution stopped right after a resume
	if err := e.backend.MarkCorrelation(ctx, instance.BusinessID, instanceID, core.WorkflowInstanceStatusRunning); err != nil {
		e.logger.WarnContext(ctx, "could not update correlation", log.WorkflowIDKey, instanceID, "error", err)
	}

	e.logger.WarnContext(ctx, "Recovering interrupted workflow instance",
		log.WorkflowIDKey, instanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, cp.NodeID,
		log.RunningSinceKey, cp.CreatedAt,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceRecovered, metrics.Tags{metrickeys.Node: cp.NodeID}, 1)

	return e.run(ctx, instance, cp.NodeID, state, seq)
}

// recoverUncheckpointed fails an instance that was interrupted before its first checkpoint. There
// is no state to continue with.
func (e *Engine[S]) recoverUncheckpointed(ctx context.Context, instance *core.WorkflowInstance) (*Result[S], error) {
	if !e.leaseExpired(instance.UpdatedAt) {
		return nil, ErrNotInterrupted
	}

	cause := errors.New("interrupted before the first checkpoint")
	werr := workflowerrors.FromError(cause)

	if _, err := e.checkpoint(ctx, instance, e.graph.Entry(), core.WorkflowInstanceStatusFailed, nil, werr, 0); err != nil {
		return nil, err
	}

	e.markTerminal(ctx, instance, core.WorkflowInstanceStatusFailed)

	e.logger.ErrorContext(ctx, "Workflow instance failed",
		log.WorkflowIDKey, instance.InstanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, e.graph.Entry(),
		"error", cause,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceFinished, metrics.Tags{metrickeys.Status: string(core.WorkflowInstanceStatusFailed)}, 1)

	return e.result(instance, core.WorkflowInstanceStatusFailed, e.graph.Entry(), *new(S), werr), nil
}

// RecoverInterrupted recovers all running instances that have not been checkpointed within the
// recovery lease. Returns the number of recovered instances.
func (e *Engine[S]) RecoverInterrupted(ctx context.Context) (int, error) {
	before := e.backend.Options().Clock.Now().Add(-e.options.RecoveryLease)

	instances, err := e.backend.ListWorkflowInstances(ctx, backend.InstanceFilter{
		Status:        core.WorkflowInstanceStatusRunning,
		UpdatedBefore: before,
	})
	if err != nil {
		return 0, fmt.Errorf("listing running workflow instances: %w", err)
	}

	recovered := 0
	for _, i := range instances {
		if i.Graph != e.graph.Name() {
			continue
		}

		if _, err := e.Recover(ctx, i.InstanceID); err != nil {
			var (
				cre *workflow.ConcurrentResumeError
				ace *workflow.AlreadyCompletedError
			)

			// Picked up or finished by someone else in the meantime
			if errors.Is(err, ErrNotInterrupted) || errors.As(err, &cre) || errors.As(err, &ace) {
				continue
			}

			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}

			e.logger.ErrorContext(ctx, "could not recover workflow instance",
				log.WorkflowIDKey, i.InstanceID,
				"error", err,
			)

			continue
		}

		recovered++
	}

	return recovered, nil
}

func (e *Engine[S]) leaseExpired(checkpointed time.Time) bool {
	return !checkpointed.After(e.backend.Options().Clock.Now().Add(-e.options.RecoveryLease))
}
