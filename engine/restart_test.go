package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/sqlite"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
)

func Test_Engine_ResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "triage.sqlite")

	h := &harness{channelMessageID: "ch-100"}

	b := sqlite.NewSqliteBackend(path)
	e := New(b, h.graph(), WithInstanceIDGenerator(func() string { return "wf-1" }))

	r, err := e.Start(ctx, "msg-42", testState{Subject: "Permit renewal"})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusPaused, r.Status)

	require.NoError(t, b.Close())

	// New process: new backend on the same file, new engine
	b = sqlite.NewSqliteBackend(path)
	defer b.Close()

	e = New(b, h.graph())

	record, err := b.ResolveCorrelation(ctx, "msg-42")
	require.NoError(t, err)
	require.Equal(t, "wf-1", record.InstanceID)
	require.Equal(t, "ch-100", record.ChannelMessageID)

	r, err = e.Resume(ctx, record.InstanceID, workflow.Signal{Decision: "approve"})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.Equal(t, testState{
		Subject:          "Permit renewal",
		Category:         "Government",
		ChannelMessageID: "ch-100",
		Decision:         "approve",
		Applied:          true,
	}, r.State)
	require.Equal(t, int32(1), h.applied.Load())
}

func Test_Engine_RecoverAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.sqlite")

	c := clock.NewMock()
	c.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	h := &harness{channelMessageID: "ch-100"}

	b := sqlite.NewSqliteBackend(path, sqlite.WithBackendOptions(backend.WithClock(c)))
	e := New(b, h.graph(), WithInstanceIDGenerator(func() string { return "wf-1" }))

	_, err := e.Start(context.Background(), "msg-42", testState{Subject: "Permit renewal"})
	require.NoError(t, err)

	// The process goes away while the execute node runs
	ctx, cancel := context.WithCancel(context.Background())
	h.execute = func(ctx context.Context, s testState) (testState, error) {
		cancel()
		return s, ctx.Err()
	}

	_, err = e.Resume(ctx, "wf-1", workflow.Signal{Decision: "approve"})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, b.Close())

	h.execute = nil

	b = sqlite.NewSqliteBackend(path, sqlite.WithBackendOptions(backend.WithClock(c)))
	defer b.Close()

	e = New(b, h.graph(), WithRecoveryLease(5*time.Minute))

	// Within the lease the instance might still be executed elsewhere
	_, err = e.Recover(context.Background(), "wf-1")
	require.ErrorIs(t, err, ErrNotInterrupted)

	c.Add(6 * time.Minute)

	r, err := e.Recover(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.True(t, r.State.Applied)
	require.Equal(t, "approve", r.State.Decision)
	require.Equal(t, int32(1), h.applied.Load())

	record, err := b.ResolveCorrelation(context.Background(), "msg-42")
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, record.Status)

	// The business id is free again
	e = New(b, h.graph(), WithInstanceIDGenerator(func() string { return "wf-2" }))
	r, err = e.Start(context.Background(), "msg-42", testState{})
	require.NoError(t, err)
	require.Equal(t, "wf-2", r.InstanceID)
}
