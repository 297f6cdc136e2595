package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/triage"
	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)

	return s
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func Test_Classify(t *testing.T) {
	var got classifyRequest
	s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		respond(http.StatusOK, `{"result":{"label":"Government","why":"sent by a public agency"}}`)(w, r)
	})

	c := New(Endpoints{Classify: s.URL}, WithHeader("Authorization", "Bearer secret"), WithPaths(Paths{
		Category:  "result.label",
		Rationale: "result.why",
	}))

	r, err := c.Classify(context.Background(), "Permit renewal", []string{"Government", "Newsletters"})
	require.NoError(t, err)
	require.Equal(t, &triage.Classification{Category: "Government", Rationale: "sent by a public agency"}, r)
	require.Equal(t, classifyRequest{Content: "Permit renewal", Candidates: []string{"Government", "Newsletters"}}, got)
}

func Test_Classify_NoCategory(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{}`))
	c := New(Endpoints{Classify: s.URL})

	r, err := c.Classify(context.Background(), "hello", []string{"Government"})
	require.NoError(t, err)
	require.Empty(t, r.Category)
}

func Test_Score(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{"priority":7}`))
	c := New(Endpoints{Score: s.URL})

	p, err := c.Score(context.Background(), triage.Metadata{Sender: "office@city.example"})
	require.NoError(t, err)
	require.Equal(t, 7, p)
}

func Test_Score_MissingPriority(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{"priority":"high"}`))
	c := New(Endpoints{Score: s.URL})

	_, err := c.Score(context.Background(), triage.Metadata{})
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.False(t, action.IsTransient(err))
}

func Test_Send(t *testing.T) {
	var got notifyRequest
	s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(http.StatusCreated, `{"channel_message_id":"ch-100"}`)(w, r)
	})
	c := New(Endpoints{Notify: s.URL})

	d, err := c.Send(context.Background(), "alice", triage.Notification{Text: "New message", Options: []string{"approve", "reject"}})
	require.NoError(t, err)
	require.Equal(t, "ch-100", d.ChannelMessageID)
	require.Equal(t, notifyRequest{UserID: "alice", Text: "New message", Options: []string{"approve", "reject"}}, got)
}

func Test_Send_MissingChannelMessageID(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{"ok":true}`))
	c := New(Endpoints{Notify: s.URL})

	_, err := c.Send(context.Background(), "alice", triage.Notification{Text: "x"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func Test_ApplyCategory_EmptyBody(t *testing.T) {
	var got applyCategoryRequest
	s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	c := New(Endpoints{ApplyCategory: s.URL})

	require.NoError(t, c.ApplyCategory(context.Background(), "msg-42", "Government"))
	require.Equal(t, applyCategoryRequest{BusinessID: "msg-42", Category: "Government"}, got)
}

func Test_StatusCodes(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{status: http.StatusInternalServerError, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusBadRequest, transient: false},
		{status: http.StatusUnauthorized, transient: false},
		{status: http.StatusNotFound, transient: false},
		{status: http.StatusConflict, transient: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			s := newServer(t, respond(tt.status, `{"error":"nope"}`))
			c := New(Endpoints{SendReply: s.URL})

			err := c.SendReply(context.Background(), "msg-42", "Thanks")
			require.Error(t, err)
			require.Equal(t, tt.transient, action.IsTransient(err))

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			require.Equal(t, tt.status, serr.StatusCode)
			require.Equal(t, `{"error":"nope"}`, serr.Body)

			var terr *workflow.CollaboratorTransientError
			require.Equal(t, tt.transient, errors.As(err, &terr))
		})
	}
}

func Test_NetworkErrorIsTransient(t *testing.T) {
	s := httptest.NewServer(respond(http.StatusOK, `{}`))
	url := s.URL
	s.Close()

	c := New(Endpoints{Classify: url})

	_, err := c.Classify(context.Background(), "hello", nil)

	var terr *workflow.CollaboratorTransientError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "classifier", terr.Collaborator)
	require.True(t, action.IsTransient(err))
}

func Test_CancelledContext(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{}`))
	c := New(Endpoints{Classify: s.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Classify(ctx, "hello", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func Test_InvalidJSON(t *testing.T) {
	s := newServer(t, respond(http.StatusOK, `{"category":`))
	c := New(Endpoints{Classify: s.URL})

	_, err := c.Classify(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.False(t, action.IsTransient(err))
}

func Test_EndpointNotConfigured(t *testing.T) {
	c := New(Endpoints{})

	_, err := c.Score(context.Background(), triage.Metadata{})
	require.ErrorIs(t, err, ErrEndpointNotConfigured)
}

func Test_Collaborators(t *testing.T) {
	c := New(Endpoints{})
	cs := c.Collaborators()

	require.Same(t, c, cs.Classifier)
	require.Same(t, c, cs.Notifier)
}
