package engine

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type maintainer struct {
	recoveries chan struct{}
	sweeps     chan time.Duration
	removes    chan struct{}
}

func (m *maintainer) RecoverInterrupted(ctx context.Context) (int, error) {
	m.recoveries <- struct{}{}
	return 0, nil
}

func (m *maintainer) SweepStalePaused(ctx context.Context, horizon time.Duration) ([]*core.WorkflowInstance, error) {
	m.sweeps <- horizon
	return nil, nil
}

func (m *maintainer) RemoveExpired(ctx context.Context) (int, error) {
	m.removes <- struct{}{}
	return 0, nil
}

func Test_Sweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := clock.NewMock()
	m := &maintainer{
		recoveries: make(chan struct{}, 10),
		sweeps:     make(chan time.Duration, 10),
		removes:    make(chan struct{}, 10),
	}

	s := NewSweeper(m, &SweeperOptions{
		Interval:   time.Minute,
		StaleAfter: time.Hour,
		Clock:      c,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	// First sweep runs right away
	<-m.recoveries
	require.Equal(t, time.Hour, <-m.sweeps)
	<-m.removes

	c.Add(time.Minute)

	<-m.recoveries
	require.Equal(t, time.Hour, <-m.sweeps)
	<-m.removes

	cancel()
	require.NoError(t, s.WaitForCompletion())
}

func Test_Sweeper_WithEngine(t *testing.T) {
	h := newHarness(t, WithRetentionPeriod(24*time.Hour))
	ctx := context.Background()

	_, err := h.e.Start(ctx, "msg-42", testState{})
	require.NoError(t, err)

	require.NoError(t, h.e.Cancel(ctx, "wf-1"))

	h.c.Add(48 * time.Hour)

	s := NewSweeper(h.e, &SweeperOptions{Interval: time.Hour, StaleAfter: time.Hour, Clock: h.c})
	s.sweep(ctx)

	_, err = h.e.GetWorkflowInstance(ctx, "wf-1")
	require.Error(t, err)
}

func Test_Sweeper_RecoversInterrupted(t *testing.T) {
	h := newHarness(t, WithRecoveryLease(10*time.Minute))

	_, err := h.e.Start(context.Background(), "msg-42", testState{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.execute = func(ctx context.Context, s testState) (testState, error) {
		cancel()
		return s, ctx.Err()
	}

	_, err = h.e.Resume(ctx, "wf-1", workflow.Signal{Decision: "approve"})
	require.ErrorIs(t, err, context.Canceled)

	h.execute = nil
	h.c.Add(time.Hour)

	s := NewSweeper(h.e, &SweeperOptions{Interval: time.Hour, StaleAfter: 72 * time.Hour, Clock: h.c})
	s.sweep(context.Background())

	i, err := h.e.GetWorkflowInstance(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, i.Status)
	require.Equal(t, int32(1), h.applied.Load())
}
