package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_newKeys(t *testing.T) {
	t.Run("WithEmptyPrefix", func(t *testing.T) {
		k := newKeys("")
		require.Empty(t, k.prefix)
		require.Equal(t, "instance:wf-1", k.instanceKey("wf-1"))
	})

	t.Run("WithNonEmptyPrefixWithoutColon", func(t *testing.T) {
		k := newKeys("prefix")
		require.Equal(t, "prefix:", k.prefix)
	})

	t.Run("WithNonEmptyPrefixWithColon", func(t *testing.T) {
		k := newKeys("prefix:")
		require.Equal(t, "prefix:", k.prefix)
	})

	t.Run("ActionKeysShareBusinessPrefix", func(t *testing.T) {
		k := newKeys("triage")
		require.Equal(t, "triage:action:msg-42:notify", k.actionKey("msg-42", "notify"))
		require.Equal(t, k.actionPrefix("msg-42")+"send-reply", k.actionKey("msg-42", "send-reply"))
		require.Equal(t, "triage:correlation-instance:wf-1", k.correlationInstanceKey("wf-1"))
	})
}
