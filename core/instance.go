package core

import (
	"time"

	"github.com/cschleiden/go-triage/internal/workflowerrors"
)

type WorkflowInstanceStatus string

const (
	WorkflowInstanceStatusRunning   WorkflowInstanceStatus = "running"
	WorkflowInstanceStatusPaused    WorkflowInstanceStatus = "paused"
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	WorkflowInstanceStatusFailed    WorkflowInstanceStatus = "failed"
	WorkflowInstanceStatusCancelled WorkflowInstanceStatus = "cancelled"
)

// Terminal returns true if no further transition is possible from this status
func (s WorkflowInstanceStatus) Terminal() bool {
	switch s {
	case WorkflowInstanceStatusCompleted, WorkflowInstanceStatusFailed, WorkflowInstanceStatusCancelled:
		return true
	}

	return false
}

func (s WorkflowInstanceStatus) Valid() bool {
	switch s {
	case WorkflowInstanceStatusRunning, WorkflowInstanceStatusPaused:
		return true
	}

	return s.Terminal()
}

type WorkflowInstance struct {
	// InstanceID is the ID of the workflow instance.
	InstanceID string `json:"instance_id,omitempty"`

	// BusinessID identifies the unit of work the instance is processing.
	BusinessID string `json:"business_id,omitempty"`

	// Graph is the name of the graph the instance executes.
	Graph string `json:"graph,omitempty"`

	Status WorkflowInstanceStatus `json:"status,omitempty"`

	// CurrentNode is the node of the most recent checkpoint.
	CurrentNode string `json:"current_node,omitempty"`

	// State is the serialized state of the most recent checkpoint.
	State []byte `json:"state,omitempty"`

	// Sequence is the sequence number of the most recent checkpoint.
	Sequence int64 `json:"sequence"`

	// Error is set for failed instances.
	Error *workflowerrors.Error `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewWorkflowInstance(instanceID, businessID, graph string) *WorkflowInstance {
	return &WorkflowInstance{
		InstanceID: instanceID,
		BusinessID: businessID,
		Graph:      graph,
		Status:     WorkflowInstanceStatusRunning,
	}
}
