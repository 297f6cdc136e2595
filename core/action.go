package core

import "time"

type ActionStatus string

const (
	ActionStatusApplied ActionStatus = "applied"
	ActionStatusFailed  ActionStatus = "failed"
)

// ActionKey identifies a side effect. An action is applied at most once per key.
type ActionKey struct {
	BusinessID string `json:"business_id"`
	Kind       string `json:"kind"`
}

func (k ActionKey) String() string {
	return k.BusinessID + "/" + k.Kind
}

// ActionRecord is the ledger entry for a side effect.
type ActionRecord struct {
	ActionKey

	InstanceID string       `json:"instance_id"`
	Status     ActionStatus `json:"status"`

	// Result is the serialized result of the applied action.
	Result []byte `json:"result,omitempty"`

	// ErrorKind distinguishes why the action failed, see action.ErrorKind*.
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
