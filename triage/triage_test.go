package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/backend/memory"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/engine"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
)

type call struct {
	Method string
	Args   []string
}

type fakes struct {
	mu    sync.Mutex
	calls []call

	category string
	priority int

	// notifyErr is returned by the notifier for decision requests
	notifyErr error

	// noticeErr is returned by the notifier for messages without options
	noticeErr   error
	applyErr    error
	deliveries  int
	notFirstRun bool
}

func (f *fakes) record(method string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{Method: method, Args: args})
}

func (f *fakes) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}

	return n
}

func (f *fakes) find(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var r []call
	for _, c := range f.calls {
		if c.Method == method {
			r = append(r, c)
		}
	}

	return r
}

func (f *fakes) Classify(ctx context.Context, content string, candidates []string) (*Classification, error) {
	f.record("Classify", content)
	return &Classification{Category: f.category, Rationale: "sent by a public agency"}, nil
}

func (f *fakes) Score(ctx context.Context, metadata Metadata) (int, error) {
	f.record("Score", metadata.Sender)
	return f.priority, nil
}

func (f *fakes) Send(ctx context.Context, userID string, n Notification) (*Delivery, error) {
	f.record("Send", userID, n.Text)

	if len(n.Options) == 0 && f.noticeErr != nil {
		return nil, f.noticeErr
	}

	if len(n.Options) > 0 && f.notifyErr != nil {
		return nil, f.notifyErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliveries++
	return &Delivery{ChannelMessageID: fmt.Sprintf("ch-%d", 99+f.deliveries)}, nil
}

func (f *fakes) ApplyCategory(ctx context.Context, businessID, category string) error {
	f.record("ApplyCategory", businessID, category)
	return f.applyErr
}

func (f *fakes) SendReply(ctx context.Context, businessID, text string) error {
	f.record("SendReply", businessID, text)
	return nil
}

func newService(t *testing.T, f *fakes) (*Service, backend.Backend) {
	t.Helper()

	b := memory.NewMemoryBackend()

	s, err := NewService(b, Collaborators{
		Classifier:     f,
		PriorityScorer: f,
		Notifier:       f,
		ActionExecutor: f,
	}, dispatch.AllowOwner(), ServiceOptions{
		EngineOptions: []engine.Option{engine.WithInstanceIDGenerator(func() string { return "wf-1" })},
		ActionOptions: []action.Option{action.WithRetryOptions(workflow.RetryOptions{
			MaxAttempts:        3,
			FirstRetryInterval: time.Millisecond,
			BackoffCoefficient: 2,
		})},
	})
	require.NoError(t, err)

	return s, b
}

var msg42 = Message{
	BusinessID: "msg-42",
	UserID:     "alice",
	Subject:    "Permit renewal",
	Sender:     "office@city.example",
	Body:       "Your permit expires soon.",
}

func Test_Triage_Scenario(t *testing.T) {
	f := &fakes{category: "Government", priority: 7}
	s, b := newService(t, f)
	ctx := context.Background()

	r, err := s.Start(ctx, msg42, []string{"Government", "Newsletters"})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusPaused, r.Status)
	require.Equal(t, NodeAwaitDecision, r.Node)
	require.Equal(t, "Government", r.State.Category)
	require.Equal(t, 7, r.State.Priority)
	require.Equal(t, "ch-100", r.State.ChannelMessageID)

	record, err := b.ResolveCorrelation(ctx, "msg-42")
	require.NoError(t, err)
	require.Equal(t, "ch-100", record.ChannelMessageID)

	cb := dispatch.Callback{BusinessID: "msg-42", CallerID: "alice", Decision: DecisionApprove}

	r, err = s.Callback(ctx, cb)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.Equal(t, NodeDone, r.Node)
	require.True(t, r.State.CategoryApplied)
	require.True(t, r.State.Confirmed)
	require.False(t, r.State.ReplySent)

	require.Equal(t, []call{{Method: "ApplyCategory", Args: []string{"msg-42", "Government"}}}, f.find("ApplyCategory"))

	_, err = s.Callback(ctx, cb)

	var ace *workflow.AlreadyCompletedError
	require.ErrorAs(t, err, &ace)
	require.Equal(t, 1, f.count("ApplyCategory"))

	// Decision request and confirmation
	sends := f.find("Send")
	require.Len(t, sends, 2)
	require.Equal(t, `"Permit renewal" was moved to Government.`, sends[1].Args[1])

	for _, kind := range []string{ActionNotify, ActionApplyCategory, ActionConfirm} {
		a, err := b.GetAction(ctx, core.ActionKey{BusinessID: "msg-42", Kind: kind})
		require.NoError(t, err, kind)
		require.Equal(t, core.ActionStatusApplied, a.Status)
		require.Equal(t, "wf-1", a.InstanceID)
	}
}

func Test_Triage_EditWithReply(t *testing.T) {
	f := &fakes{category: "Government"}
	s, _ := newService(t, f)
	ctx := context.Background()

	_, err := s.Start(ctx, msg42, []string{"Government", "Newsletters"})
	require.NoError(t, err)

	r, err := s.Callback(ctx, dispatch.Callback{
		BusinessID:    "msg-42",
		CallerID:      "alice",
		Decision:      DecisionEdit,
		EditedPayload: json.RawMessage(`{"category":"Newsletters","reply":"Thanks, noted."}`),
	})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.Equal(t, "Newsletters", r.State.Category)
	require.True(t, r.State.ReplySent)

	require.Equal(t, []call{{Method: "ApplyCategory", Args: []string{"msg-42", "Newsletters"}}}, f.find("ApplyCategory"))
	require.Equal(t, []call{{Method: "SendReply", Args: []string{"msg-42", "Thanks, noted."}}}, f.find("SendReply"))
}

func Test_Triage_EditWithUnknownCategory(t *testing.T) {
	f := &fakes{category: "Government"}
	s, _ := newService(t, f)
	ctx := context.Background()

	_, err := s.Start(ctx, msg42, []string{"Government", "Newsletters"})
	require.NoError(t, err)

	_, err = s.Callback(ctx, dispatch.Callback{
		BusinessID:    "msg-42",
		CallerID:      "alice",
		Decision:      DecisionEdit,
		EditedPayload: json.RawMessage(`{"category":"Spam"}`),
	})

	var ide *workflow.InvalidDecisionError
	require.ErrorAs(t, err, &ide)
	require.Contains(t, ide.Reason, `category "Spam" is not one of Government, Newsletters`)
	require.Equal(t, 0, f.count("ApplyCategory"))

	i, err := s.GetWorkflowInstance(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusPaused, i.Status)
}

func Test_Triage_Reject(t *testing.T) {
	f := &fakes{category: "Government"}
	s, _ := newService(t, f)
	ctx := context.Background()

	_, err := s.Start(ctx, msg42, []string{"Government"})
	require.NoError(t, err)

	r, err := s.Callback(ctx, dispatch.Callback{BusinessID: "msg-42", CallerID: "alice", Decision: DecisionReject})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.False(t, r.State.CategoryApplied)
	require.True(t, r.State.Confirmed)
	require.Equal(t, 0, f.count("ApplyCategory"))

	sends := f.find("Send")
	require.Equal(t, `"Permit renewal" was left in your inbox.`, sends[len(sends)-1].Args[1])
}

func Test_Triage_Uncategorized(t *testing.T) {
	f := &fakes{category: "Shopping"}
	s, _ := newService(t, f)

	r, err := s.Start(context.Background(), msg42, []string{"Government", "Newsletters"})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusCompleted, r.Status)
	require.Equal(t, NodeSkipped, r.Node)
	require.Equal(t, 0, f.count("Score"))
	require.Equal(t, 0, f.count("Send"))
}

func Test_Triage_NotifierUnavailable(t *testing.T) {
	f := &fakes{
		category:  "Government",
		notifyErr: &workflow.CollaboratorTransientError{Collaborator: "notifier", Err: errors.New("503 service unavailable")},
	}
	s, b := newService(t, f)
	ctx := context.Background()

	r, err := s.Start(ctx, msg42, []string{"Government"})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusFailed, r.Status)
	require.Equal(t, NodeNotify, r.Node)
	require.True(t, r.Error.Permanent)

	// Three attempts and one failure notice
	sends := f.find("Send")
	require.Len(t, sends, 4)
	require.Contains(t, sends[3].Args[1], "something went wrong")

	a, err := b.GetAction(ctx, core.ActionKey{BusinessID: "msg-42", Kind: ActionNotify})
	require.NoError(t, err)
	require.Equal(t, core.ActionStatusFailed, a.Status)
	require.Equal(t, action.ErrorKindTransientExhausted, a.ErrorKind)
	require.Equal(t, 3, a.Attempts)

	record, err := b.ResolveCorrelation(ctx, "msg-42")
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusFailed, record.Status)
}

func Test_Triage_FailureNoticeAttemptedOnce(t *testing.T) {
	f := &fakes{
		category:  "Government",
		applyErr:  errors.New("category does not exist"),
		noticeErr: &workflow.CollaboratorTransientError{Collaborator: "notifier", Err: errors.New("503 service unavailable")},
	}
	s, _ := newService(t, f)
	ctx := context.Background()

	_, err := s.Start(ctx, msg42, []string{"Government"})
	require.NoError(t, err)

	r, err := s.Callback(ctx, dispatch.Callback{BusinessID: "msg-42", CallerID: "alice", Decision: DecisionApprove})
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInstanceStatusFailed, r.Status)
	require.Equal(t, NodeExecute, r.Node)

	// Decision request and a single failure notice
	sends := f.find("Send")
	require.Len(t, sends, 2)
	require.Contains(t, sends[1].Args[1], "something went wrong")
	require.Equal(t, 1, f.count("ApplyCategory"))
}

func Test_Triage_InvalidMessage(t *testing.T) {
	s, _ := newService(t, &fakes{})

	_, err := s.Start(context.Background(), Message{UserID: "alice"}, nil)
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.Start(context.Background(), Message{BusinessID: "msg-1"}, nil)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func Test_Triage_DuplicateStart(t *testing.T) {
	f := &fakes{category: "Government"}
	s, _ := newService(t, f)

	_, err := s.Start(context.Background(), msg42, []string{"Government"})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), msg42, []string{"Government"})

	var dup *workflow.DuplicateBusinessIDError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, 1, f.count("Classify"))
}
