package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/engine"
	mi "github.com/cschleiden/go-triage/internal/metrics"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/cschleiden/go-triage/workflow"
)

// Callback is a decision received on an external channel.
type Callback struct {
	BusinessID string
	CallerID   string
	Decision   string

	// EditedPayload is passed to the suspend node with the decision
	EditedPayload json.RawMessage
}

// Resumer is implemented by engine.Engine.
type Resumer[S any] interface {
	GetWorkflowState(ctx context.Context, instanceID string) (S, error)
	Decisions(ctx context.Context, instanceID string) ([]string, error)
	Resume(ctx context.Context, instanceID string, signal workflow.Signal) (*engine.Result[S], error)
}

// OwnerFunc returns the user the business id of an instance belongs to.
type OwnerFunc[S any] func(state S) string

type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Client
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

// Dispatcher resolves callbacks to the paused instance they are meant for and resumes it.
type Dispatcher[S any] struct {
	correlations backend.CorrelationTable
	resumer      Resumer[S]
	owner        OwnerFunc[S]
	authorizer   Authorizer

	logger  *slog.Logger
	metrics metrics.Client
}

func New[S any](correlations backend.CorrelationTable, resumer Resumer[S], owner OwnerFunc[S], authorizer Authorizer, opts ...Option) *Dispatcher[S] {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	return &Dispatcher[S]{
		correlations: correlations,
		resumer:      resumer,
		owner:        owner,
		authorizer:   authorizer,
		logger:       options.Logger,
		metrics:      options.Metrics,
	}
}

// Resume handles a callback. Callbacks for unknown or finished business ids are rejected without
// side effects, which makes repeated deliveries of the same callback safe. The caller is authorized
// against the owner of the business id before anything about the instance is revealed.
func (d *Dispatcher[S]) Resume(ctx context.Context, cb Callback) (*engine.Result[S], error) {
	record, err := d.correlations.ResolveCorrelation(ctx, cb.BusinessID)
	if err != nil {
		if errors.Is(err, backend.ErrCorrelationNotFound) {
			d.rejected("not_found")
			return nil, &workflow.NotFoundError{BusinessID: cb.BusinessID}
		}

		return nil, fmt.Errorf("resolving correlation: %w", err)
	}

	state, err := d.resumer.GetWorkflowState(ctx, record.InstanceID)
	if err != nil {
		var nfe *workflow.NotFoundError
		if errors.As(err, &nfe) {
			d.rejected("not_found")
			return nil, &workflow.NotFoundError{BusinessID: cb.BusinessID}
		}

		return nil, fmt.Errorf("loading workflow state: %w", err)
	}

	ownerID := d.owner(state)

	ok, err := d.authorizer.Authorize(ctx, cb.CallerID, cb.BusinessID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("authorizing caller: %w", err)
	}

	if !ok {
		d.logger.WarnContext(ctx, "Rejected unauthorized callback",
			log.SecurityEventKey, true,
			log.CallerIDKey, cb.CallerID,
			log.OwnerIDKey, ownerID,
			log.BusinessIDKey, cb.BusinessID,
			log.DecisionKey, cb.Decision,
		)
		d.rejected("unauthorized")

		return nil, &workflow.AuthorizationError{BusinessID: cb.BusinessID, CallerID: cb.CallerID}
	}

	if record.Terminal() {
		d.logger.InfoContext(ctx, "Ignoring callback for finished workflow instance",
			log.BusinessIDKey, cb.BusinessID,
			log.WorkflowIDKey, record.InstanceID,
			log.StatusKey, string(record.Status),
		)
		d.rejected("completed")

		return nil, &workflow.AlreadyCompletedError{
			BusinessID: cb.BusinessID,
			InstanceID: record.InstanceID,
			Status:     string(record.Status),
		}
	}

	decisions, err := d.resumer.Decisions(ctx, record.InstanceID)
	if err != nil {
		d.rejectedBy(err)
		return nil, err
	}

	if !slices.Contains(decisions, cb.Decision) {
		d.rejected("invalid_decision")

		return nil, &workflow.InvalidDecisionError{
			Decision: cb.Decision,
			Allowed:  decisions,
		}
	}

	r, err := d.resumer.Resume(ctx, record.InstanceID, workflow.Signal{
		Decision: cb.Decision,
		Payload:  cb.EditedPayload,
	})
	if err != nil {
		d.rejectedBy(err)
		return nil, err
	}

	return r, nil
}

func (d *Dispatcher[S]) rejected(reason string) {
	d.metrics.Counter(metrickeys.ResumeRejected, metrics.Tags{metrickeys.Reason: reason}, 1)
}

func (d *Dispatcher[S]) rejectedBy(err error) {
	var (
		ace *workflow.AlreadyCompletedError
		cre *workflow.ConcurrentResumeError
		re  *workflow.RoutingError
	)

	switch {
	case errors.As(err, &ace):
		d.rejected("completed")
	case errors.As(err, &cre):
		d.rejected("concurrent")
	case errors.As(err, &re):
		d.rejected("invalid_decision")
	}
}
