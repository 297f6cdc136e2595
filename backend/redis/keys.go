package redis

import (
	"fmt"
	"strings"
)

type keys struct {
	// Ends with ':' if not empty
	prefix string
}

func newKeys(prefix string) *keys {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &keys{prefix: prefix}
}

func (k *keys) instanceKey(instanceID string) string {
	return fmt.Sprintf("%sinstance:%s", k.prefix, instanceID)
}

// checkpointsKey returns the key for the LIST holding all checkpoints of an instance, oldest first
func (k *keys) checkpointsKey(instanceID string) string {
	return fmt.Sprintf("%scheckpoints:%s", k.prefix, instanceID)
}

// instancesByUpdate returns the key for the ZSET of all instances scored by their last update
func (k *keys) instancesByUpdate() string {
	return k.prefix + "instances-by-update"
}

// instancesCompleted returns the key for the ZSET of terminal instances scored by completion time
func (k *keys) instancesCompleted() string {
	return k.prefix + "instances-completed"
}

func (k *keys) correlationKey(businessID string) string {
	return fmt.Sprintf("%scorrelation:%s", k.prefix, businessID)
}

// correlationInstanceKey maps an instance id back to its business id
func (k *keys) correlationInstanceKey(instanceID string) string {
	return k.correlationInstancePrefix() + instanceID
}

func (k *keys) correlationInstancePrefix() string {
	return k.prefix + "correlation-instance:"
}

// correlationsTerminal returns the key for the ZSET of terminal correlations scored by terminal time
func (k *keys) correlationsTerminal() string {
	return k.prefix + "correlations-terminal"
}

func (k *keys) actionKey(businessID, kind string) string {
	return k.actionPrefix(businessID) + kind
}

func (k *keys) actionPrefix(businessID string) string {
	return fmt.Sprintf("%saction:%s:", k.prefix, businessID)
}

// actionKindsKey returns the key for the SET of action kinds recorded for a business id
func (k *keys) actionKindsKey(businessID string) string {
	return fmt.Sprintf("%saction-kinds:%s", k.prefix, businessID)
}
