package triage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/engine"
)

var ErrInvalidMessage = errors.New("invalid message")

type Result = engine.Result[State]

// Service wires the triage pipeline, its engine and the resume dispatcher.
type Service struct {
	backend    backend.Backend
	executor   *action.Executor
	engine     *engine.Engine[State]
	dispatcher *dispatch.Dispatcher[State]
}

type ServiceOptions struct {
	EngineOptions   []engine.Option
	ActionOptions   []action.Option
	DispatchOptions []dispatch.Option
}

func NewService(b backend.Backend, c Collaborators, authorizer dispatch.Authorizer, options ServiceOptions) (*Service, error) {
	bo := b.Options()

	actionOptions := append([]action.Option{
		action.WithLogger(bo.Logger),
		action.WithMetrics(bo.Metrics),
		action.WithClock(bo.Clock),
		action.WithConverter(bo.Converter),
	}, options.ActionOptions...)
	executor := action.NewExecutor(b, actionOptions...)

	g, err := NewGraph(c, executor)
	if err != nil {
		return nil, fmt.Errorf("building triage graph: %w", err)
	}

	e := engine.New(b, g, options.EngineOptions...)

	dispatchOptions := append([]dispatch.Option{
		dispatch.WithLogger(bo.Logger),
		dispatch.WithMetrics(bo.Metrics),
	}, options.DispatchOptions...)

	return &Service{
		backend:    b,
		executor:   executor,
		engine:     e,
		dispatcher: dispatch.New[State](b, e, owner, authorizer, dispatchOptions...),
	}, nil
}

// owner returns the user a triaged message belongs to.
func owner(s State) string {
	return s.Message.UserID
}

func (s *Service) Engine() *engine.Engine[State] {
	return s.engine
}

// StartEviction removes expired entries from the action cache until ctx is cancelled.
func (s *Service) StartEviction(ctx context.Context) {
	s.executor.StartEviction(ctx)
}

// Start triages the given message until a decision is required.
func (s *Service) Start(ctx context.Context, m Message, candidates []string) (*Result, error) {
	if m.BusinessID == "" {
		return nil, fmt.Errorf("%w: missing business id", ErrInvalidMessage)
	}

	if m.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidMessage)
	}

	return s.engine.Start(ctx, m.BusinessID, State{
		Message:    m,
		Candidates: slices.Clone(candidates),
	})
}

// Callback resumes the instance the callback is meant for.
func (s *Service) Callback(ctx context.Context, cb dispatch.Callback) (*Result, error) {
	return s.dispatcher.Resume(ctx, cb)
}

func (s *Service) Cancel(ctx context.Context, instanceID string) error {
	return s.engine.Cancel(ctx, instanceID)
}

func (s *Service) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return s.engine.GetWorkflowInstance(ctx, instanceID)
}

func (s *Service) GetWorkflowState(ctx context.Context, instanceID string) (State, error) {
	return s.engine.GetWorkflowState(ctx, instanceID)
}

func (s *Service) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
	return s.engine.ListWorkflowInstances(ctx, filter)
}
