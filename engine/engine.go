package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/internal/tracing"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result describes where execution of an instance stopped.
type Result[S any] struct {
	InstanceID string
	BusinessID string
	Status     core.WorkflowInstanceStatus

	// Node is the suspend node the instance is paused at, or the node it finished or failed at
	Node  string
	State S

	// Error is set for failed instances
	Error *workflow.Error
}

// Engine executes the instances of a single graph. Instances are executed until they reach a
// suspend or terminal node, with a checkpoint written after every node.
type Engine[S any] struct {
	backend backend.Backend
	graph   *workflow.Graph[S]
	options Options

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client

	mu      sync.Mutex
	running map[string]struct{}
}

func New[S any](b backend.Backend, g *workflow.Graph[S], opts ...Option) *Engine[S] {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	bo := b.Options()

	return &Engine[S]{
		backend: b,
		graph:   g,
		options: options,
		logger:  bo.Logger.With(slog.String(log.GraphNameKey, g.Name())),
		tracer:  bo.TracerProvider.Tracer(backend.TracerName),
		metrics: bo.Metrics.WithTags(metrics.Tags{metrickeys.Graph: g.Name()}),
		running: make(map[string]struct{}),
	}
}

func (e *Engine[S]) Graph() *workflow.Graph[S] {
	return e.graph
}

// Start registers the business id and executes a new instance until it is paused or finished.
// Failures of nodes do not result in an error, they are reported by the returned result.
func (e *Engine[S]) Start(ctx context.Context, businessID string, state S) (*Result[S], error) {
	instanceID := e.options.NewInstanceID()

	ctx, span := e.tracer.Start(ctx, "Start", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instanceID),
		attribute.String(log.BusinessIDKey, businessID),
		attribute.String(log.GraphNameKey, e.graph.Name()),
	))
	defer span.End()

	unlock, _ := e.tryLock(instanceID)
	defer unlock()

	if err := e.register(ctx, businessID, instanceID); err != nil {
		tracing.WithSpanError(span, err)
		return nil, err
	}

	instance := core.NewWorkflowInstance(instanceID, businessID, e.graph.Name())
	if err := e.backend.CreateWorkflowInstance(ctx, instance); err != nil {
		err = fmt.Errorf("creating workflow instance: %w", err)
		e.abandon(ctx, instance, false, err)
		tracing.WithSpanError(span, err)
		return nil, err
	}

	e.logger.DebugContext(ctx, "Created workflow instance",
		log.WorkflowIDKey, instanceID,
		log.BusinessIDKey, businessID,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceCreated, metrics.Tags{}, 1)

	data, err := e.encode(state)
	if err != nil {
		e.abandon(ctx, instance, true, err)
		tracing.WithSpanError(span, err)
		return nil, err
	}

	seq, err := e.checkpoint(ctx, instance, e.graph.Entry(), core.WorkflowInstanceStatusRunning, data, nil, 0)
	if err != nil {
		e.abandon(ctx, instance, true, err)
		tracing.WithSpanError(span, err)
		return nil, err
	}

	r, err := e.run(ctx, instance, e.graph.Entry(), state, seq)
	if err != nil {
		tracing.WithSpanError(span, err)
	}

	return r, err
}

// Resume continues an instance paused at a suspend node with the given decision.
func (e *Engine[S]) Resume(ctx context.Context, instanceID string, signal workflow.Signal) (*Result[S], error) {
	ctx, span := e.tracer.Start(ctx, "Resume", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instanceID),
		attribute.String(log.DecisionKey, signal.Decision),
	))
	defer span.End()

	r, err := e.resume(ctx, instanceID, signal)
	if err != nil {
		tracing.WithSpanError(span, err)
	}

	return r, err
}

func (e *Engine[S]) resume(ctx context.Context, instanceID string, signal workflow.Signal) (*Result[S], error) {
	unlock, ok := e.tryLock(instanceID)
	if !ok {
		return nil, &workflow.ConcurrentResumeError{InstanceID: instanceID}
	}
	defer unlock()

	instance, cp, err := e.paused(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	to, err := e.graph.Route(cp.NodeID, signal.Decision)
	if err != nil {
		return nil, err
	}

	state, err := e.decode(cp.State)
	if err != nil {
		return nil, err
	}

	n, _ := e.graph.Node(cp.NodeID)
	if n.Merge != nil {
		state, err = n.Merge(state, signal)
		if err != nil {
			var ide *workflow.InvalidDecisionError
			if errors.As(err, &ide) {
				return nil, err
			}

			return nil, &workflow.InvalidDecisionError{
				Graph:    e.graph.Name(),
				Node:     cp.NodeID,
				Decision: signal.Decision,
				Reason:   err.Error(),
			}
		}
	}

	data, err := e.encode(state)
	if err != nil {
		return nil, err
	}

	// Claim the instance, only one caller can move it away from the paused checkpoint
	seq, err := e.checkpoint(ctx, instance, to, core.WorkflowInstanceStatusRunning, data, nil, cp.Sequence)
	if err != nil {
		return nil, err
	}

	if err := e.backend.MarkCorrelation(ctx, instance.BusinessID, instanceID, core.WorkflowInstanceStatusRunning); err != nil {
		e.logger.WarnContext(ctx, "could not update correlation", log.WorkflowIDKey, instanceID, "error", err)
	}

	e.logger.DebugContext(ctx, "Resumed workflow instance",
		log.WorkflowIDKey, instanceID,
		log.BusinessIDKey, instance.BusinessID,
		log.NodeIDKey, cp.NodeID,
		log.DecisionKey, signal.Decision,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceResumed, metrics.Tags{metrickeys.Node: cp.NodeID}, 1)

	return e.run(ctx, instance, to, state, seq)
}

// Cancel moves a paused instance to cancelled. No further node is executed.
func (e *Engine[S]) Cancel(ctx context.Context, instanceID string) error {
	ctx, span := e.tracer.Start(ctx, "Cancel", trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instanceID),
	))
	defer span.End()

	if err := e.cancel(ctx, instanceID); err != nil {
		tracing.WithSpanError(span, err)
		return err
	}

	return nil
}

func (e *Engine[S]) cancel(ctx context.Context, instanceID string) error {
	unlock, ok := e.tryLock(instanceID)
	if !ok {
		return &workflow.ConcurrentResumeError{InstanceID: instanceID}
	}
	defer unlock()

	instance, cp, err := e.paused(ctx, instanceID)
	if err != nil {
		return err
	}

	if _, err := e.checkpoint(ctx, instance, cp.NodeID, core.WorkflowInstanceStatusCancelled, cp.State, nil, cp.Sequence); err != nil {
		return err
	}

	e.markTerminal(ctx, instance, core.WorkflowInstanceStatusCancelled)

	e.logger.InfoContext(ctx, "Cancelled workflow instance",
		log.WorkflowIDKey, instanceID,
		log.BusinessIDKey, instance.BusinessID,
	)
	e.metrics.Counter(metrickeys.WorkflowInstanceFinished, metrics.Tags{metrickeys.Status: string(core.WorkflowInstanceStatusCancelled)}, 1)

	return nil
}

// Decisions returns the decisions accepted by the suspend node the instance is paused at.
func (e *Engine[S]) Decisions(ctx context.Context, instanceID string) ([]string, error) {
	_, cp, err := e.paused(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return e.graph.Decisions(cp.NodeID)
}

func (e *Engine[S]) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	instance, err := e.backend.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, backend.ErrInstanceNotFound) {
			return nil, &workflow.NotFoundError{InstanceID: instanceID}
		}

		return nil, fmt.Errorf("getting workflow instance: %w", err)
	}

	return instance, nil
}

// GetWorkflowState returns the decoded state of the latest checkpoint of the instance.
func (e *Engine[S]) GetWorkflowState(ctx context.Context, instanceID string) (S, error) {
	instance, err := e.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return *new(S), err
	}

	return e.decode(instance.State)
}

func (e *Engine[S]) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
	instances, err := e.backend.ListWorkflowInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing workflow instances: %w", err)
	}

	return instances, nil
}

// paused returns the instance and its latest checkpoint if the instance is paused at a suspend node.
func (e *Engine[S]) paused(ctx context.Context, instanceID string) (*core.WorkflowInstance, *core.Checkpoint, error) {
	instance, err := e.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	cp, err := e.backend.LoadCheckpoint(ctx, instanceID)
	if err != nil {
		if errors.Is(err, backend.ErrCheckpointNotFound) {
			return nil, nil, &workflow.ConcurrentResumeError{InstanceID: instanceID}
		}

		return nil, nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	switch {
	case cp.Status.Terminal():
		e.repairCorrelation(ctx, instance.BusinessID, instanceID)

		return nil, nil, &workflow.AlreadyCompletedError{
			BusinessID: instance.BusinessID,
			InstanceID: instanceID,
			Status:     string(cp.Status),
		}

	case cp.Status != core.WorkflowInstanceStatusPaused:
		// Another caller claimed the instance
		return nil, nil, &workflow.ConcurrentResumeError{InstanceID: instanceID}
	}

	if n, ok := e.graph.Node(cp.NodeID); !ok || n.Kind != workflow.NodeKindSuspend {
		return nil, nil, &workflow.RoutingError{
			Graph:  e.graph.Name(),
			Node:   cp.NodeID,
			Reason: "instance is not paused at a suspend node",
		}
	}

	return instance, cp, nil
}

// checkpoint persists the given serialized state. expectedSequence guards against concurrent writers.
func (e *Engine[S]) checkpoint(
	ctx context.Context, instance *core.WorkflowInstance, node string, status core.WorkflowInstanceStatus, state []byte, werr *workflow.Error, expectedSequence int64,
) (int64, error) {
	seq, err := e.backend.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
		InstanceID:       instance.InstanceID,
		NodeID:           node,
		Status:           status,
		State:            state,
		Error:            werr,
		ExpectedSequence: expectedSequence,
	})
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrSequenceConflict):
			return 0, &workflow.ConcurrentResumeError{InstanceID: instance.InstanceID}

		case errors.Is(err, backend.ErrInstanceTerminal):
			status := "finished"
			if i, err := e.backend.GetWorkflowInstance(ctx, instance.InstanceID); err == nil {
				status = string(i.Status)
			}

			return 0, &workflow.AlreadyCompletedError{
				BusinessID: instance.BusinessID,
				InstanceID: instance.InstanceID,
				Status:     status,
			}
		}

		return 0, fmt.Errorf("saving checkpoint: %w", err)
	}

	return seq, nil
}

func (e *Engine[S]) encode(state S) ([]byte, error) {
	data, err := e.backend.Options().Converter.To(state)
	if err != nil {
		return nil, fmt.Errorf("encoding workflow state: %w", err)
	}

	return data, nil
}

func (e *Engine[S]) decode(data []byte) (S, error) {
	var state S

	// Instances abandoned before their first checkpoint have no state
	if len(data) == 0 {
		return state, nil
	}

	if err := e.backend.Options().Converter.From(data, &state); err != nil {
		return state, fmt.Errorf("decoding workflow state: %w", err)
	}

	return state, nil
}

// tryLock marks the instance as being executed by this process. unlock is never nil.
func (e *Engine[S]) tryLock(instanceID string) (unlock func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, held := e.running[instanceID]; held {
		return func() {}, false
	}

	e.running[instanceID] = struct{}{}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.running, instanceID)
	}, true
}
