package engine

import (
	"context"
	"errors"
	"fmt"

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

// run executes the instance starting at node. seq is the sequence of the checkpoint that was
// written for node.
func (e *Engine[S]) run(ctx context.Context, instance *core.WorkflowInstance, node string, state S, seq int64) (*Result[S], error) {
	for {
		n, ok := e.graph.Node(node)
		if !ok {
			return e.fail(ctx, instance, node, state, seq, &workflow.RoutingError{
				Graph:  e.graph.Name(),
				Node:   node,
				Reason: "unknown node",
			})
		}

		switch n.Kind {
		case workflow.NodeKindSuspend:
			return e.suspend(ctx, instance, n, state, seq)

		case workflow.NodeKindTerminal:
			if n.Fn != nil {
				next, err := e.execute(ctx, instance, n, state)
				if err != nil {
					return e.fail(ctx, instance, node, state, seq, err)
				}

				state = next
			}

			return e.complete(ctx, instance, node, state, seq)
		}

		next, err := e.execute(ctx, instance, n, state)
		if err != nil {
			return e.fail(ctx, instance, node, state, seq, err)
		}

		to, err := e.graph.Next(node, next)
		if err != nil {
			return e.fail(ctx, instance, node, state, seq, err)
		}

		data, err := e.encode(next)
		if err != nil {
			return e.fail(ctx, instance, node, state, seq, err)
		}

		seq, err = e.checkpoint(ctx, instance, to, core.WorkflowInstanceStatusRunning, data, nil, seq)
		if err != nil {
			return nil, err
		}

		node, state = to, next
	}
}

// execute runs a single node. Panics are converted into errors.
func (e *Engine[S]) execute(ctx context.Context, instance *core.WorkflowInstance, n *workflow.Node[S], state S) (next S, err error) {
	ctx = workflow.WithInfo(ctx, workflow.Info{
		InstanceID: instance.InstanceID,
		BusinessID: instance.BusinessID,
		Graph:      e.graph.Name(),
		NodeID:     n.Name,
	})

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("ExecuteNode: %s", n.Name), trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instance.InstanceID),
		attribute.String(log.NodeIDKey, n.Name),
	))
	defer span.End()

	timer := metrics.NewTimer(e.metrics, e.backend.Options().Clock, metrickeys.NodeDuration, metrics.Tags{metrickeys.Node: n.Name})

	defer func() {
		if r := recover(); r != nil {
			err = workflowerrors.NewPanicError(fmt.Sprintf("panic in node %q: %v", n.Name, r))
		}

		status := "ok"
		if err != nil {
			next = state
			status = "error"
			tracing.WithSpanError(span, err)
		}

		timer.StopWithTags(metrics.Tags{metrickeys.Status: status})
		e.metrics.Counter(metrickeys.NodeExecuted, metrics.Tags{metrickeys.Node: n.Name, metrickeys.Status: status}, 1)
	}()

	e.logger.DebugContext(ctx, "Executing node",
		log.WorkflowIDKey, instance.InstanceID,
		log.NodeIDKey, n.Name,
	)

	return n.Fn(ctx, state)
}

func (e *Engine[S]) suspend(ctx context.Context, instance *core.WorkflowInstance, n *workflow.Node[S], state S, seq int64) (*Result[S], error) {
	if n.ChannelMessage != nil {
		if id := n.ChannelMessage(state); id != "" {
			if err := e.backend.AttachChannelMessage(ctx, instance.BusinessID, instance.InstanceID, id); err != nil {
				return nil, fmt.Errorf("attaching channel message: %w", err)
			}
		}
	}

	record, err := e.backend.ResolveCorrelation(ctx, instance.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("resolving correlation: %w", err)
	}

	// A decision can only arrive for a message that was delivered
	if record.ChannelMessageID == "" {
		return e.fail(ctx, instance, n.Name, state, seq, fmt.Errorf("pausing at node %q: %w", n.Name, backend.ErrChannelMessageMissing))
	}

	data, err := e.encode(state)
	if err != nil {
		return e.fail(ctx, instance, n.Name, state, seq, err)
	}

	if _, err := e.checkpoint(ctx, instance, n.Name, core.WorkflowInstanceStatusPaused, data, nil, seq); err != nil {
		return nil, err
	}

	if err := e.backend.MarkCorrelation(ctx, instance.BusinessID, instance.InstanceID, core.WorkflowInstanceStatusPaused); err != nil {
		e.logger.WarnContext(ctx, "could not update correlation", log.WorkflowIDKey, instance.InstanceID, "error", err)
	}

	e.logger.InfoContext(ctx, "Workflow instance paused",
		log.WorkflowIDKey, instance.InstanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, n.Name,
		log.ChannelMessageIDKey, record.ChannelMessageID,
	)
	e.metrics.Counter(metrickeys.WorkflowInstancePaused, metrics.Tags{metrickeys.Node: n.Name}, 1)

	return e.result(instance, core.WorkflowInstanceStatusPaused, n.Name, state, nil), nil
}

func (e *Engine[S]) complete(ctx context.Context, instance *core.WorkflowInstance, node string, state S, seq int64) (*Result[S], error) {
	data, err := e.encode(state)
	if err != nil {
		return e.fail(ctx, instance, node, state, seq, err)
	}

	if _, err := e.checkpoint(ctx, instance, node, core.WorkflowInstanceStatusCompleted, data, nil, seq); err != nil {
		return nil, err
	}

	e.markTerminal(ctx, instance, core.WorkflowInstanceStatusCompleted)

	e.logger.InfoContext(ctx, "Workflow instance completed",
		log.WorkflowIDKey, instance.InstanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, node,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceFinished, metrics.Tags{metrickeys.Status: string(core.WorkflowInstanceStatusCompleted)}, 1)

	return e.result(instance, core.WorkflowInstanceStatusCompleted, node, state, nil), nil
}

// fail moves the instance to failed. The failed checkpoint carries the state of the last good
// checkpoint, never the state a failing node produced.
func (e *Engine[S]) fail(ctx context.Context, instance *core.WorkflowInstance, node string, state S, seq int64, cause error) (*Result[S], error) {
	if ctx.Err() != nil {
		// Aborted by the caller, the latest checkpoint is left untouched
		return nil, fmt.Errorf("executing node %q: %w", node, ctx.Err())
	}

	werr := workflowerrors.FromError(cause)

	data, err := e.encode(state)
	if err != nil {
		return nil, err
	}

	if _, err := e.checkpoint(ctx, instance, node, core.WorkflowInstanceStatusFailed, data, werr, seq); err != nil {
		return nil, err
	}

	e.markTerminal(ctx, instance, core.WorkflowInstanceStatusFailed)

	e.logger.ErrorContext(ctx, "Workflow instance failed",
		log.WorkflowIDKey, instance.InstanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, node,
		"error", cause,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceFinished, metrics.Tags{metrickeys.Status: string(core.WorkflowInstanceStatusFailed)}, 1)

	// Only the caller that persisted the failure gets here, the hook runs once per instance
	if hook := e.graph.OnFailure(); hook != nil {
		if err := e.notifyFailure(ctx, instance, node, hook, state, cause); err != nil {
			e.logger.WarnContext(ctx, "failure hook returned an error",
				log.WorkflowIDKey, instance.InstanceID,
				"error", err,
			)
		}
	}

	return e.result(instance, core.WorkflowInstanceStatusFailed, node, state, werr), nil
}

func (e *Engine[S]) notifyFailure(ctx context.Context, instance *core.WorkflowInstance, node string, hook workflow.FailureHook[S], state S, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = workflowerrors.NewPanicError(fmt.Sprintf("panic in failure hook: %v", r))
		}
	}()

	ctx = workflow.WithInfo(ctx, workflow.Info{
		InstanceID: instance.InstanceID,
		BusinessID: instance.BusinessID,
		Graph:      e.graph.Name(),
		NodeID:     node,
	})

	return hook(ctx, state, cause)
}

func (e *Engine[S]) result(instance *core.WorkflowInstance, status core.WorkflowInstanceStatus, node string, state S, werr *workflow.Error) *Result[S] {
	return &Result[S]{
		InstanceID: instance.InstanceID,
		BusinessID: instance.BusinessID,
		Status:     status,
		Node:       node,
		State:      state,
		Error:      werr,
	}
}

// register creates the correlation record for a new instance. A record left behind by an instance
// that finished without updating it is repaired, and registration is retried once.
func (e *Engine[S]) register(ctx context.Context, businessID, instanceID string) error {
	err := e.backend.RegisterCorrelation(ctx, businessID, instanceID)
	if errors.Is(err, backend.ErrDuplicateBusinessID) {
		record, rerr := e.backend.ResolveCorrelation(ctx, businessID)
		if rerr != nil {
			return fmt.Errorf("resolving correlation: %w", rerr)
		}

		if !e.repairStale(ctx, record) {
			return &workflow.DuplicateBusinessIDError{BusinessID: businessID, InstanceID: record.InstanceID}
		}

		err = e.backend.RegisterCorrelation(ctx, businessID, instanceID)
		if errors.Is(err, backend.ErrDuplicateBusinessID) {
			dup := &workflow.DuplicateBusinessIDError{BusinessID: businessID}
			if record, rerr := e.backend.ResolveCorrelation(ctx, businessID); rerr == nil {
				dup.InstanceID = record.InstanceID
			}

			return dup
		}
	}

	if err != nil {
		return fmt.Errorf("registering correlation: %w", err)
	}

	return nil
}

// repairStale returns true if the given record no longer blocks a new registration.
func (e *Engine[S]) repairStale(ctx context.Context, record *core.CorrelationRecord) bool {
	if record.Terminal() {
		return true
	}

	status := core.WorkflowInstanceStatusFailed

	instance, err := e.backend.GetWorkflowInstance(ctx, record.InstanceID)
	switch {
	case errors.Is(err, backend.ErrInstanceNotFound):
		// Left behind by a start that failed before the instance was created. A younger record may
		// belong to a start that is still in progress.
		if e.backend.Options().Clock.Since(record.UpdatedAt) < e.options.RecoveryLease {
			return false
		}

	case err != nil || !instance.Status.Terminal():
		return false

	default:
		status = instance.Status
	}

	if err := e.backend.MarkCorrelation(ctx, record.BusinessID, record.InstanceID, status); err != nil {
		e.logger.WarnContext(ctx, "could not repair stale correlation",
			log.BusinessIDKey, record.BusinessID,
			log.WorkflowIDKey, record.InstanceID,
			"error", err,
		)

		return false
	}

	e.logger.WarnContext(ctx, "Repaired stale correlation",
		log.BusinessIDKey, record.BusinessID,
		log.WorkflowIDKey, record.InstanceID,
		log.StatusKey, string(status),
	)

	return true
}

// abandon releases the business id of an instance that could not be started. created is true if
// the instance might have been persisted.
func (e *Engine[S]) abandon(ctx context.Context, instance *core.WorkflowInstance, created bool, cause error) {
	ctx = context.WithoutCancel(ctx)

	if created {
		_, err := e.backend.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
			InstanceID:       instance.InstanceID,
			NodeID:           e.graph.Entry(),
			Status:           core.WorkflowInstanceStatusFailed,
			Error:            workflowerrors.FromError(cause),
			ExpectedSequence: 0,
		})

		switch {
		case errors.Is(err, backend.ErrSequenceConflict):
			// The first checkpoint was written after all, the instance is recovered from it
			return

		case err != nil && !errors.Is(err, backend.ErrInstanceNotFound):
			e.logger.WarnContext(ctx, "could not fail abandoned workflow instance",
				log.WorkflowIDKey, instance.InstanceID,
				"error", err,
			)
		}
	}

	if err := e.backend.MarkCorrelation(ctx, instance.BusinessID, instance.InstanceID, core.WorkflowInstanceStatusFailed); err != nil {
		// Released by the next start for the business id once the recovery lease passed
		e.logger.WarnContext(ctx, "could not release business id",
			log.WorkflowIDKey, instance.InstanceID,
			log.BusinessIDKey, instance.BusinessID,
			"error", err,
		)
	}

	e.logger.WarnContext(ctx, "Abandoned workflow instance",
		log.WorkflowIDKey, instance.InstanceID,
		log.BusinessIDKey, instance.BusinessID,
		"error", cause,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceAbandoned, metrics.Tags{}, 1)
}

// repairCorrelation marks the correlation of a terminal instance as terminal if that did not happen
// when the instance finished.
func (e *Engine[S]) repairCorrelation(ctx context.Context, businessID, instanceID string) {
	record, err := e.backend.ResolveCorrelation(ctx, businessID)
	if err != nil || record.InstanceID != instanceID || record.Terminal() {
		return
	}

	e.repairStale(ctx, record)
}

func (e *Engine[S]) markTerminal(ctx context.Context, instance *core.WorkflowInstance, status core.WorkflowInstanceStatus) {
	if err := e.backend.MarkCorrelation(ctx, instance.BusinessID, instance.InstanceID, status); err != nil {
		// Repaired on the next start or resume for the business id
		e.logger.WarnContext(ctx, "could not mark correlation terminal",
			log.WorkflowIDKey, instance.InstanceID,
			log.BusinessIDKey, instance.BusinessID,
			"error", err,
		)
	}
}
