package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/test"
	"github.com/cschleiden/go-triage/core"
	"github.com/stretchr/testify/require"
)

func Test_SqliteBackend(t *testing.T) {
	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewInMemoryBackend(WithBackendOptions(options...))
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())
	})
}

func Test_SqliteBackend_File(t *testing.T) {
	dir := t.TempDir()

	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewSqliteBackend(filepath.Join(dir, "triage.db"), WithBackendOptions(options...))
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())
	})
}

func Test_SqliteBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "triage.db")

	b := NewSqliteBackend(path)

	wfi := core.NewWorkflowInstance("wf-1", "msg-42", "triage")
	require.NoError(t, b.CreateWorkflowInstance(ctx, wfi))
	require.NoError(t, b.RegisterCorrelation(ctx, "msg-42", "wf-1"))
	require.NoError(t, b.AttachChannelMessage(ctx, "msg-42", "wf-1", "ch-100"))

	_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
		InstanceID: "wf-1",
		NodeID:     "await-decision",
		Status:     core.WorkflowInstanceStatusPaused,
		State:      []byte(`{"category":"Government"}`),
	})
	require.NoError(t, err)
	require.NoError(t, b.MarkCorrelation(ctx, "msg-42", "wf-1", core.WorkflowInstanceStatusPaused))
	require.NoError(t, b.Close())

	// Migrations are idempotent, reopening must not fail
	b = NewSqliteBackend(path)
	defer b.Close()

	cp, err := b.LoadCheckpoint(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "await-decision", cp.NodeID)
	require.Equal(t, core.WorkflowInstanceStatusPaused, cp.Status)
	require.JSONEq(t, `{"category":"Government"}`, string(cp.State))

	r, err := b.ResolveCorrelation(ctx, "msg-42")
	require.NoError(t, err)
	require.Equal(t, "wf-1", r.InstanceID)
	require.Equal(t, "ch-100", r.ChannelMessageID)
	require.Equal(t, core.WorkflowInstanceStatusPaused, r.Status)
}
