package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Info(t *testing.T) {
	_, ok := InfoFromContext(context.Background())
	require.False(t, ok)

	ctx := WithInfo(context.Background(), Info{InstanceID: "wf-1", BusinessID: "msg-42", NodeID: "notify"})

	info, ok := InfoFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "msg-42", info.BusinessID)
	require.Equal(t, "notify", info.NodeID)
}
