package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/workflowerrors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// BackendTest runs the shared test suite against a backend implementation. setup is called once per
// test with the options the test requires.
func BackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock)
	}{
		{
			name: "CreateWorkflowInstance_DoesNotError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := newInstance()

				require.NoError(t, b.CreateWorkflowInstance(ctx, wfi))

				i, err := b.GetWorkflowInstance(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, wfi.BusinessID, i.BusinessID)
				require.Equal(t, "triage", i.Graph)
				require.Equal(t, core.WorkflowInstanceStatusRunning, i.Status)
				require.Equal(t, int64(0), i.Sequence)
				require.Equal(t, c.Now().UnixMilli(), i.CreatedAt.UnixMilli())
			},
		},
		{
			name: "CreateWorkflowInstance_SameInstanceIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := newInstance()

				require.NoError(t, b.CreateWorkflowInstance(ctx, wfi))
				require.ErrorIs(t, b.CreateWorkflowInstance(ctx, wfi), backend.ErrInstanceAlreadyExists)
			},
		},
		{
			name: "GetWorkflowInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.GetWorkflowInstance(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "SaveCheckpoint_IncrementsSequence",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)

				for i, node := range []string{"extract", "classify", "score"} {
					seq, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
						InstanceID:       wfi.InstanceID,
						NodeID:           node,
						Status:           core.WorkflowInstanceStatusRunning,
						State:            []byte(`{"node":"` + node + `"}`),
						ExpectedSequence: int64(i),
					})
					require.NoError(t, err)
					require.Equal(t, int64(i+1), seq)
				}

				cp, err := b.LoadCheckpoint(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, int64(3), cp.Sequence)
				require.Equal(t, "score", cp.NodeID)
				require.JSONEq(t, `{"node":"score"}`, string(cp.State))

				i, err := b.GetWorkflowInstance(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, int64(3), i.Sequence)
				require.Equal(t, "score", i.CurrentNode)
				require.JSONEq(t, `{"node":"score"}`, string(i.State))
			},
		},
		{
			name: "SaveCheckpoint_SequenceConflictLeavesLastCheckpoint",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, wfi.InstanceID, "extract", core.WorkflowInstanceStatusRunning, 0)

				_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
					InstanceID:       wfi.InstanceID,
					NodeID:           "classify",
					Status:           core.WorkflowInstanceStatusRunning,
					State:            []byte(`{}`),
					ExpectedSequence: 0,
				})
				require.ErrorIs(t, err, backend.ErrSequenceConflict)

				cp, err := b.LoadCheckpoint(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, int64(1), cp.Sequence)
				require.Equal(t, "extract", cp.NodeID)
			},
		},
		{
			name: "SaveCheckpoint_UnknownInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
					InstanceID: uuid.NewString(),
					NodeID:     "extract",
					Status:     core.WorkflowInstanceStatusRunning,
				})
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "SaveCheckpoint_TerminalInstanceIsImmutable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, wfi.InstanceID, "done", core.WorkflowInstanceStatusCompleted, 0)

				_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
					InstanceID:       wfi.InstanceID,
					NodeID:           "extract",
					Status:           core.WorkflowInstanceStatusRunning,
					ExpectedSequence: 1,
				})
				require.ErrorIs(t, err, backend.ErrInstanceTerminal)

				i, err := b.GetWorkflowInstance(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.WorkflowInstanceStatusCompleted, i.Status)
				require.NotNil(t, i.CompletedAt)
			},
		},
		{
			name: "SaveCheckpoint_PersistsError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)

				_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
					InstanceID: wfi.InstanceID,
					NodeID:     "execute",
					Status:     core.WorkflowInstanceStatusFailed,
					State:      []byte(`{}`),
					Error: &workflowerrors.Error{
						Type:      "CollaboratorPermanentError",
						Message:   "label not found",
						Permanent: true,
					},
				})
				require.NoError(t, err)

				i, err := b.GetWorkflowInstance(ctx, wfi.InstanceID)
				require.NoError(t, err)
				require.Equal(t, core.WorkflowInstanceStatusFailed, i.Status)
				require.NotNil(t, i.Error)
				require.Equal(t, "label not found", i.Error.Message)
				require.True(t, i.Error.Permanent)
			},
		},
		{
			name: "SaveCheckpoint_ConcurrentWritersOnlyOneWins",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, wfi.InstanceID, "await-decision", core.WorkflowInstanceStatusPaused, 0)

				const writers = 8

				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()

						_, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
							InstanceID:       wfi.InstanceID,
							NodeID:           "await-decision",
							Status:           core.WorkflowInstanceStatusRunning,
							ExpectedSequence: 1,
						})
						errs <- err
					}()
				}

				wg.Wait()
				close(errs)

				succeeded := 0
				for err := range errs {
					if err == nil {
						succeeded++
						continue
					}

					require.ErrorIs(t, err, backend.ErrSequenceConflict)
				}

				require.Equal(t, 1, succeeded)
			},
		},
		{
			name: "LoadCheckpoint_NoCheckpoint",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				wfi := createInstance(t, ctx, b)

				_, err := b.LoadCheckpoint(ctx, wfi.InstanceID)
				require.ErrorIs(t, err, backend.ErrCheckpointNotFound)

				_, err = b.LoadCheckpoint(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "ListWorkflowInstances_FiltersByStatusAndAge",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				old := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, old.InstanceID, "await-decision", core.WorkflowInstanceStatusPaused, 0)

				c.Add(time.Hour)

				recent := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, recent.InstanceID, "await-decision", core.WorkflowInstanceStatusPaused, 0)

				running := createInstance(t, ctx, b)

				instances, err := b.ListWorkflowInstances(ctx, backend.InstanceFilter{
					Status: core.WorkflowInstanceStatusPaused,
				})
				require.NoError(t, err)
				ids := instanceIDs(instances)
				require.Contains(t, ids, old.InstanceID)
				require.Contains(t, ids, recent.InstanceID)
				require.NotContains(t, ids, running.InstanceID)

				instances, err = b.ListWorkflowInstances(ctx, backend.InstanceFilter{
					Status:        core.WorkflowInstanceStatusPaused,
					UpdatedBefore: c.Now().Add(-30 * time.Minute),
				})
				require.NoError(t, err)
				ids = instanceIDs(instances)
				require.Contains(t, ids, old.InstanceID)
				require.NotContains(t, ids, recent.InstanceID)
			},
		},
		{
			name: "RemoveWorkflowInstances_RemovesFinishedInstances",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				finished := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, finished.InstanceID, "done", core.WorkflowInstanceStatusCompleted, 0)

				paused := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, paused.InstanceID, "await-decision", core.WorkflowInstanceStatusPaused, 0)

				c.Add(time.Hour)

				finishedLater := createInstance(t, ctx, b)
				saveCheckpoint(t, ctx, b, finishedLater.InstanceID, "done", core.WorkflowInstanceStatusCancelled, 0)

				n, err := b.RemoveWorkflowInstances(ctx, backend.RemoveFinishedBefore(c.Now().Add(-time.Minute)))
				require.NoError(t, err)
				require.GreaterOrEqual(t, n, 1)

				_, err = b.GetWorkflowInstance(ctx, finished.InstanceID)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				_, err = b.LoadCheckpoint(ctx, finished.InstanceID)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				_, err = b.GetWorkflowInstance(ctx, paused.InstanceID)
				require.NoError(t, err)

				_, err = b.GetWorkflowInstance(ctx, finishedLater.InstanceID)
				require.NoError(t, err)
			},
		},
		{
			name: "RegisterCorrelation_ResolvesWorkflow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, instanceID := uuid.NewString(), uuid.NewString()

				require.NoError(t, b.RegisterCorrelation(ctx, businessID, instanceID))

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.Equal(t, instanceID, r.InstanceID)
				require.Equal(t, core.WorkflowInstanceStatusRunning, r.Status)
				require.Empty(t, r.ChannelMessageID)
				require.Nil(t, r.TerminalAt)
			},
		},
		{
			name: "ResolveCorrelation_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.ResolveCorrelation(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrCorrelationNotFound)
			},
		},
		{
			name: "RegisterCorrelation_DuplicateBusinessID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, instanceID := uuid.NewString(), uuid.NewString()

				require.NoError(t, b.RegisterCorrelation(ctx, businessID, instanceID))
				require.ErrorIs(t, b.RegisterCorrelation(ctx, businessID, uuid.NewString()), backend.ErrDuplicateBusinessID)

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.Equal(t, instanceID, r.InstanceID)
			},
		},
		{
			name: "RegisterCorrelation_ConcurrentOnlyOneWins",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID := uuid.NewString()

				const registrations = 8

				var wg sync.WaitGroup
				errs := make(chan error, registrations)
				for i := 0; i < registrations; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- b.RegisterCorrelation(ctx, businessID, uuid.NewString())
					}()
				}

				wg.Wait()
				close(errs)

				succeeded := 0
				for err := range errs {
					if err == nil {
						succeeded++
						continue
					}

					require.ErrorIs(t, err, backend.ErrDuplicateBusinessID)
				}

				require.Equal(t, 1, succeeded)
			},
		},
		{
			name: "RegisterCorrelation_ReplacesTerminalRecord",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, first, second := uuid.NewString(), uuid.NewString(), uuid.NewString()

				require.NoError(t, b.RegisterCorrelation(ctx, businessID, first))
				require.NoError(t, b.RecordAction(ctx, &core.ActionRecord{
					ActionKey:  core.ActionKey{BusinessID: businessID, Kind: "apply-category"},
					InstanceID: first,
					Status:     core.ActionStatusApplied,
				}))
				require.NoError(t, b.MarkCorrelation(ctx, businessID, first, core.WorkflowInstanceStatusCompleted))

				require.NoError(t, b.RegisterCorrelation(ctx, businessID, second))

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.Equal(t, second, r.InstanceID)
				require.Equal(t, core.WorkflowInstanceStatusRunning, r.Status)
				require.Nil(t, r.TerminalAt)

				_, err = b.GetAction(ctx, core.ActionKey{BusinessID: businessID, Kind: "apply-category"})
				require.ErrorIs(t, err, backend.ErrActionNotFound)
			},
		},
		{
			name: "AttachChannelMessage_UpdatesRecord",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, instanceID := uuid.NewString(), uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, businessID, instanceID))

				c.Add(time.Minute)

				require.NoError(t, b.AttachChannelMessage(ctx, businessID, instanceID, "ch-100"))

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.Equal(t, "ch-100", r.ChannelMessageID)
				require.Greater(t, r.UpdatedAt.UnixMilli(), r.CreatedAt.UnixMilli())
			},
		},
		{
			name: "AttachChannelMessage_WrongInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID := uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, businessID, uuid.NewString()))

				err := b.AttachChannelMessage(ctx, businessID, uuid.NewString(), "ch-1")
				require.ErrorIs(t, err, backend.ErrCorrelationMismatch)

				err = b.AttachChannelMessage(ctx, uuid.NewString(), uuid.NewString(), "ch-1")
				require.ErrorIs(t, err, backend.ErrCorrelationNotFound)
			},
		},
		{
			name: "MarkCorrelation_PausedRequiresChannelMessage",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, instanceID := uuid.NewString(), uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, businessID, instanceID))

				err := b.MarkCorrelation(ctx, businessID, instanceID, core.WorkflowInstanceStatusPaused)
				require.ErrorIs(t, err, backend.ErrChannelMessageMissing)

				require.NoError(t, b.AttachChannelMessage(ctx, businessID, instanceID, "ch-7"))
				require.NoError(t, b.MarkCorrelation(ctx, businessID, instanceID, core.WorkflowInstanceStatusPaused))

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.Equal(t, core.WorkflowInstanceStatusPaused, r.Status)
			},
		},
		{
			name: "MarkCorrelation_TerminalIsFinal",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				businessID, instanceID := uuid.NewString(), uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, businessID, instanceID))

				require.NoError(t, b.MarkCorrelation(ctx, businessID, instanceID, core.WorkflowInstanceStatusCancelled))

				// Repeating the same terminal transition is a no-op
				require.NoError(t, b.MarkCorrelation(ctx, businessID, instanceID, core.WorkflowInstanceStatusCancelled))

				err := b.MarkCorrelation(ctx, businessID, instanceID, core.WorkflowInstanceStatusRunning)
				require.ErrorIs(t, err, backend.ErrInstanceTerminal)

				r, err := b.ResolveCorrelation(ctx, businessID)
				require.NoError(t, err)
				require.True(t, r.Terminal())
				require.NotNil(t, r.TerminalAt)
			},
		},
		{
			name: "RemoveCorrelations_RemovesTerminalRecordsAndActions",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				done, doneInstance := uuid.NewString(), uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, done, doneInstance))
				require.NoError(t, b.RecordAction(ctx, &core.ActionRecord{
					ActionKey:  core.ActionKey{BusinessID: done, Kind: "notify"},
					InstanceID: doneInstance,
					Status:     core.ActionStatusApplied,
				}))
				require.NoError(t, b.MarkCorrelation(ctx, done, doneInstance, core.WorkflowInstanceStatusCompleted))

				active := uuid.NewString()
				require.NoError(t, b.RegisterCorrelation(ctx, active, uuid.NewString()))

				c.Add(time.Hour)

				n, err := b.RemoveCorrelations(ctx, backend.RemoveFinishedBefore(c.Now()))
				require.NoError(t, err)
				require.GreaterOrEqual(t, n, 1)

				_, err = b.ResolveCorrelation(ctx, done)
				require.ErrorIs(t, err, backend.ErrCorrelationNotFound)

				_, err = b.GetAction(ctx, core.ActionKey{BusinessID: done, Kind: "notify"})
				require.ErrorIs(t, err, backend.ErrActionNotFound)

				_, err = b.ResolveCorrelation(ctx, active)
				require.NoError(t, err)
			},
		},
		{
			name: "RecordAction_AppliedIsReturned",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				key := core.ActionKey{BusinessID: uuid.NewString(), Kind: "notify"}

				_, err := b.GetAction(ctx, key)
				require.ErrorIs(t, err, backend.ErrActionNotFound)

				require.NoError(t, b.RecordAction(ctx, &core.ActionRecord{
					ActionKey:  key,
					InstanceID: uuid.NewString(),
					Status:     core.ActionStatusApplied,
					Result:     []byte(`{"channelMessageId":"ch-100"}`),
					Attempts:   2,
				}))

				r, err := b.GetAction(ctx, key)
				require.NoError(t, err)
				require.Equal(t, core.ActionStatusApplied, r.Status)
				require.JSONEq(t, `{"channelMessageId":"ch-100"}`, string(r.Result))
				require.Equal(t, 2, r.Attempts)
			},
		},
		{
			name: "RecordAction_AppliedCannotBeOverwritten",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				key := core.ActionKey{BusinessID: uuid.NewString(), Kind: "apply-category"}
				record := &core.ActionRecord{ActionKey: key, Status: core.ActionStatusApplied, Result: []byte(`true`)}

				require.NoError(t, b.RecordAction(ctx, record))
				require.ErrorIs(t, b.RecordAction(ctx, record), backend.ErrActionAlreadyApplied)
			},
		},
		{
			name: "RecordAction_FailedCanBeRetried",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				key := core.ActionKey{BusinessID: uuid.NewString(), Kind: "send-reply"}

				require.NoError(t, b.RecordAction(ctx, &core.ActionRecord{
					ActionKey: key,
					Status:    core.ActionStatusFailed,
					ErrorKind: "permanent",
					Error:     "mailbox unavailable",
					Attempts:  3,
				}))

				r, err := b.GetAction(ctx, key)
				require.NoError(t, err)
				require.Equal(t, core.ActionStatusFailed, r.Status)
				require.Equal(t, "permanent", r.ErrorKind)
				require.Equal(t, "mailbox unavailable", r.Error)

				require.NoError(t, b.RecordAction(ctx, &core.ActionRecord{
					ActionKey: key,
					Status:    core.ActionStatusApplied,
					Attempts:  1,
				}))

				r, err = b.GetAction(ctx, key)
				require.NoError(t, err)
				require.Equal(t, core.ActionStatusApplied, r.Status)
				require.Empty(t, r.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			c.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

			b := setup(backend.WithClock(c))
			ctx := context.Background()

			tt.f(t, ctx, b, c)

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newInstance() *core.WorkflowInstance {
	return core.NewWorkflowInstance(uuid.NewString(), uuid.NewString(), "triage")
}

func createInstance(t *testing.T, ctx context.Context, b backend.Backend) *core.WorkflowInstance {
	wfi := newInstance()
	require.NoError(t, b.CreateWorkflowInstance(ctx, wfi))
	return wfi
}

func saveCheckpoint(t *testing.T, ctx context.Context, b backend.Backend, instanceID, node string, status core.WorkflowInstanceStatus, expected int64) int64 {
	seq, err := b.SaveCheckpoint(ctx, &backend.CheckpointUpdate{
		InstanceID:       instanceID,
		NodeID:           node,
		Status:           status,
		State:            []byte(`{}`),
		ExpectedSequence: expected,
	})
	require.NoError(t, err)
	return seq
}

func instanceIDs(instances []*core.WorkflowInstance) []string {
	ids := make([]string, 0, len(instances))
	for _, i := range instances {
		ids = append(ids, i.InstanceID)
	}

	return ids
}
