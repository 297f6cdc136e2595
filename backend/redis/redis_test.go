package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/test"
	"github.com/cschleiden/go-triage/core"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func Test_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := getClient(mr)

	test.BackendTest(t, getCreateBackend(client, ""), nil)
}

func Test_RedisBackend_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := getClient(mr)

	test.BackendTest(t, getCreateBackend(client, "triage"), nil)

	keys, err := client.Keys(context.Background(), "*").Result()
	require.NoError(t, err)

	for _, k := range keys {
		require.Regexp(t, "^triage:", k)
	}
}

func Test_RedisBackend_StatePreservedVerbatim(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(getClient(mr))
	require.NoError(t, err)

	ctx := context.Background()
	state := []byte(`{"subject":"Permit renewal","body":"line1\nline2 é"}`)

	require.NoError(t, b.CreateWorkflowInstance(ctx, core.NewWorkflowInstance("wf-1", "msg-42", "triage")))
	_, err = b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
		InstanceID: "wf-1",
		NodeID:     "extract",
		Status:     core.WorkflowInstanceStatusRunning,
		State:      state,
	})
	require.NoError(t, err)

	cp, err := b.LoadCheckpoint(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, state, cp.State)

	i, err := b.GetWorkflowInstance(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, state, i.State)
}

func getClient(mr *miniredis.Miniredis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
}

func getCreateBackend(client redis.UniversalClient, keyPrefix string) func(options ...backend.BackendOption) backend.Backend {
	return func(options ...backend.BackendOption) backend.Backend {
		// Flush database
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			panic(err)
		}

		b, err := NewRedisBackend(client, WithKeyPrefix(keyPrefix), WithBackendOptions(options...))
		if err != nil {
			panic(err)
		}

		return b
	}
}
