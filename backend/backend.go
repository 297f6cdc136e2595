package backend

import (
	"context"
	"time"

	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/workflowerrors"
)

const TracerName = "go-triage"

// CheckpointUpdate describes a checkpoint to append for a workflow instance.
type CheckpointUpdate struct {
	InstanceID string
	NodeID     string
	Status     core.WorkflowInstanceStatus
	State      []byte

	// Error is persisted for failed instances
	Error *workflowerrors.Error

	// ExpectedSequence has to match the sequence of the latest checkpoint of the instance,
	// 0 if no checkpoint has been written yet.
	ExpectedSequence int64
}

// InstanceFilter restricts the instances returned by ListWorkflowInstances. Zero values match
// all instances.
type InstanceFilter struct {
	Status        core.WorkflowInstanceStatus
	UpdatedBefore time.Time
	Limit         int
}

type CheckpointStore interface {
	// CreateWorkflowInstance creates a new workflow instance without any checkpoint
	CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error

	// SaveCheckpoint atomically appends a checkpoint and updates the instance to reflect it. Either
	// both are written or neither is. Returns the sequence number of the new checkpoint.
	//
	// Returns ErrSequenceConflict if the latest checkpoint does not match update.ExpectedSequence and
	// ErrInstanceTerminal if the instance already reached a terminal status.
	SaveCheckpoint(ctx context.Context, update *CheckpointUpdate) (int64, error)

	// LoadCheckpoint returns the checkpoint with the highest sequence number
	LoadCheckpoint(ctx context.Context, instanceID string) (*core.Checkpoint, error)

	// GetWorkflowInstance returns the given workflow instance
	GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error)

	// ListWorkflowInstances returns instances matching the filter ordered by last update, oldest first
	ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*core.WorkflowInstance, error)

	// RemoveWorkflowInstances removes terminal workflow instances and their checkpoints
	RemoveWorkflowInstances(ctx context.Context, options ...RemovalOption) (int, error)
}

type CorrelationTable interface {
	// RegisterCorrelation creates the correlation record for the given business id. An existing
	// terminal record is replaced, an existing non-terminal record results in ErrDuplicateBusinessID.
	// The check and the insert are a single atomic operation.
	RegisterCorrelation(ctx context.Context, businessID, instanceID string) error

	// AttachChannelMessage records the message a decision is expected on
	AttachChannelMessage(ctx context.Context, businessID, instanceID, channelMessageID string) error

	// ResolveCorrelation returns the correlation record for the given business id
	ResolveCorrelation(ctx context.Context, businessID string) (*core.CorrelationRecord, error)

	// MarkCorrelation updates the status of the record. Marking a record as paused requires an
	// attached channel message, terminal statuses are final.
	MarkCorrelation(ctx context.Context, businessID, instanceID string, status core.WorkflowInstanceStatus) error

	// RemoveCorrelations removes terminal correlation records together with their action records
	RemoveCorrelations(ctx context.Context, options ...RemovalOption) (int, error)
}

type ActionLog interface {
	// GetAction returns the ledger entry for the given key
	GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error)

	// RecordAction inserts or updates the ledger entry. Applied entries cannot be overwritten,
	// ErrActionAlreadyApplied is returned in that case.
	RecordAction(ctx context.Context, record *core.ActionRecord) error
}

type Backend interface {
	CheckpointStore
	CorrelationTable
	ActionLog

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
