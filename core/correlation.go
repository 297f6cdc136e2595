package core

import "time"

// CorrelationRecord links a business id to the workflow instance processing it and to the
// message on the external channel on which a decision is expected.
type CorrelationRecord struct {
	BusinessID string `json:"business_id"`
	InstanceID string `json:"instance_id"`

	// ChannelMessageID is empty until the notification has been delivered.
	ChannelMessageID string `json:"channel_message_id,omitempty"`

	Status WorkflowInstanceStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
}

func (r *CorrelationRecord) Terminal() bool {
	return r.Status.Terminal()
}
