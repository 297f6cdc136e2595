package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/memory"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
)

type countingLog struct {
	backend.ActionLog

	mu   sync.Mutex
	gets int
}

func (l *countingLog) GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error) {
	l.mu.Lock()
	l.gets++
	l.mu.Unlock()

	return l.ActionLog.GetAction(ctx, key)
}

type applyResult struct {
	ChannelMessageID string `json:"channel_message_id"`
}

var errUnavailable = &workflow.CollaboratorTransientError{Collaborator: "notifier", Err: errors.New("service unavailable")}

func newExecutor(t *testing.T, opts ...Option) (*Executor, *countingLog, *clock.Mock) {
	t.Helper()

	c := clock.NewMock()
	c.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	l := &countingLog{ActionLog: memory.NewMemoryBackend(backend.WithClock(c))}

	return NewExecutor(l, append([]Option{WithClock(c)}, opts...)...), l, c
}

// advance moves the mock clock forward until stop is called
func advance(c *clock.Mock) (stop func()) {
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
				c.Add(100 * time.Millisecond)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func Test_Do_AppliesOnce(t *testing.T) {
	e, l, _ := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "notify"}

	calls := 0
	fn := func(ctx context.Context) (applyResult, error) {
		calls++
		return applyResult{ChannelMessageID: "ch-100"}, nil
	}

	r, err := Do(ctx, e, key, "wf-1", fn)
	require.NoError(t, err)
	require.Equal(t, "ch-100", r.ChannelMessageID)

	r, err = Do(ctx, e, key, "wf-1", fn)
	require.NoError(t, err)
	require.Equal(t, "ch-100", r.ChannelMessageID)
	require.Equal(t, 1, calls)

	// Served from the cache
	require.Equal(t, 1, l.gets)

	record, err := l.GetAction(ctx, key)
	require.NoError(t, err)
	require.Equal(t, core.ActionStatusApplied, record.Status)
	require.Equal(t, "wf-1", record.InstanceID)
	require.Equal(t, 1, record.Attempts)
}

func Test_Do_ReadsThroughToLedger(t *testing.T) {
	e, l, c := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "apply-category"}

	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (string, error) {
		return "Government", nil
	})
	require.NoError(t, err)

	// A fresh executor, e.g. after a restart, only has the ledger
	e2 := NewExecutor(l, WithClock(c))

	r, err := Do(ctx, e2, key, "wf-1", func(ctx context.Context) (string, error) {
		t.Fatal("action must not be applied twice")
		return "", nil
	})
	require.NoError(t, err)
	require.Equal(t, "Government", r)
}

func Test_Do_IgnoresCachedRecordOfPreviousInstance(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "notify"}

	e.applied.Set(key, &core.ActionRecord{ActionKey: key, InstanceID: "wf-old", Status: core.ActionStatusApplied}, 0)

	calls := 0
	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func Test_Do_RetriesTransientErrors(t *testing.T) {
	var delays []time.Duration
	e, l, c := newExecutor(t, WithOnRetry(func(kind string, attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}))
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "notify"}

	stop := advance(c)
	defer stop()

	var attemptTimes []time.Time
	r, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (applyResult, error) {
		attemptTimes = append(attemptTimes, c.Now())
		if len(attemptTimes) < 3 {
			return applyResult{}, errUnavailable
		}

		return applyResult{ChannelMessageID: "ch-100"}, nil
	})
	stop()

	require.NoError(t, err)
	require.Equal(t, "ch-100", r.ChannelMessageID)
	require.Len(t, attemptTimes, 3)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	for i := 1; i < len(attemptTimes); i++ {
		require.GreaterOrEqual(t, attemptTimes[i].Sub(attemptTimes[i-1]), delays[i-1])
	}

	record, err := l.GetAction(ctx, key)
	require.NoError(t, err)
	require.Equal(t, core.ActionStatusApplied, record.Status)
	require.Equal(t, 3, record.Attempts)
}

func Test_Do_RetriesExhausted(t *testing.T) {
	e, l, c := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "apply-category"}

	stop := advance(c)
	defer stop()

	calls := 0
	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (string, error) {
		calls++
		return "", errUnavailable
	})
	stop()

	var cpe *workflow.CollaboratorPermanentError
	require.ErrorAs(t, err, &cpe)
	require.Equal(t, 3, cpe.Attempts)
	require.Equal(t, "apply-category", cpe.Kind)
	require.ErrorIs(t, err, errUnavailable)
	require.Equal(t, 3, calls)

	record, err := l.GetAction(ctx, key)
	require.NoError(t, err)
	require.Equal(t, core.ActionStatusFailed, record.Status)
	require.Equal(t, ErrorKindTransientExhausted, record.ErrorKind)
	require.Equal(t, 3, record.Attempts)
}

func Test_Do_PermanentErrorIsNotRetried(t *testing.T) {
	e, l, _ := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "send-reply"}

	calls := 0
	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("mailbox not found")
	})

	var cpe *workflow.CollaboratorPermanentError
	require.ErrorAs(t, err, &cpe)
	require.Equal(t, 1, cpe.Attempts)
	require.Equal(t, 1, calls)

	record, err := l.GetAction(ctx, key)
	require.NoError(t, err)
	require.Equal(t, core.ActionStatusFailed, record.Status)
	require.Equal(t, ErrorKindPermanent, record.ErrorKind)
	require.Equal(t, "send-reply failed after 1 attempt(s): mailbox not found", record.Error)
}

func Test_Do_FailedActionCanBeRetried(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()
	key := core.ActionKey{BusinessID: "msg-42", Kind: "confirm"}

	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (bool, error) {
		return false, errors.New("rejected")
	})
	require.Error(t, err)

	r, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, r)
}

func Test_Do_ContextCancelledDuringBackoff(t *testing.T) {
	e, l, _ := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	key := core.ActionKey{BusinessID: "msg-42", Kind: "notify"}

	_, err := Do(ctx, e, key, "wf-1", func(ctx context.Context) (string, error) {
		cancel()
		return "", errUnavailable
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = l.GetAction(context.Background(), key)
	require.ErrorIs(t, err, backend.ErrActionNotFound)
}

func Test_Retry_DoesNotRecord(t *testing.T) {
	e, l, c := newExecutor(t)
	ctx := context.Background()

	stop := advance(c)
	defer stop()

	calls := 0
	r, err := Retry(ctx, e, "classifier", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", context.DeadlineExceeded
		}

		return "Government", nil
	})
	stop()

	require.NoError(t, err)
	require.Equal(t, "Government", r)
	require.Equal(t, 2, calls)
	require.Equal(t, 0, l.gets)
}

func Test_RetryTimeout(t *testing.T) {
	e, _, c := newExecutor(t, WithRetryOptions(workflow.RetryOptions{
		MaxAttempts:        10,
		FirstRetryInterval: time.Second,
		BackoffCoefficient: 2,
		RetryTimeout:       5 * time.Second,
	}))

	stop := advance(c)
	defer stop()

	calls := 0
	_, err := Retry(context.Background(), e, "scorer", func(ctx context.Context) (int, error) {
		calls++
		return 0, errUnavailable
	})
	stop()

	var cpe *workflow.CollaboratorPermanentError
	require.ErrorAs(t, err, &cpe)

	// 1s + 2s, the next delay of 4s would exceed the timeout
	require.Equal(t, 3, calls)
}

type temporaryErr struct{ temporary bool }

func (e temporaryErr) Error() string   { return "temporary" }
func (e temporaryErr) Temporary() bool { return e.temporary }

func Test_IsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errUnavailable, true},
		{"wrapped transient", errors.Join(errors.New("sending"), errUnavailable), true},
		{"temporary", temporaryErr{temporary: true}, true},
		{"not temporary", temporaryErr{temporary: false}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent", &workflow.CollaboratorPermanentError{Err: errUnavailable}, false},
		{"plain", errors.New("bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
