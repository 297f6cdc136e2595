package workflow

import (
	"encoding/json"
)

// Signal carries the decision an instance paused at a suspend node is resumed with.
type Signal struct {
	Decision string `json:"decision"`

	// Payload is optional, its shape is defined by the merge function of the suspend node
	Payload json.RawMessage `json:"payload,omitempty"`
}
