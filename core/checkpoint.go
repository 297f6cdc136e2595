package core

import "time"

// Checkpoint is a snapshot of workflow state taken at a node boundary.
type Checkpoint struct {
	InstanceID string                 `json:"instance_id"`
	NodeID     string                 `json:"node_id"`
	Status     WorkflowInstanceStatus `json:"status"`
	State      []byte                 `json:"state,omitempty"`

	// Sequence is strictly increasing per instance, starting at 1 for the first checkpoint.
	Sequence int64 `json:"sequence"`

	CreatedAt time.Time `json:"created_at"`
}
