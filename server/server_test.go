package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cschleiden/go-triage/backend/memory"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/engine"
	"github.com/cschleiden/go-triage/triage"
	"github.com/cschleiden/go-triage/workflow"
)

type collaborators struct {
	applied    atomic.Int32
	applyError error
}

func (c *collaborators) Classify(ctx context.Context, content string, candidates []string) (*triage.Classification, error) {
	return &triage.Classification{Category: "Government"}, nil
}

func (c *collaborators) Score(ctx context.Context, metadata triage.Metadata) (int, error) {
	return 3, nil
}

func (c *collaborators) Send(ctx context.Context, userID string, n triage.Notification) (*triage.Delivery, error) {
	return &triage.Delivery{ChannelMessageID: "ch-100"}, nil
}

func (c *collaborators) ApplyCategory(ctx context.Context, businessID, category string) error {
	c.applied.Add(1)
	return c.applyError
}

func (c *collaborators) SendReply(ctx context.Context, businessID, text string) error {
	return nil
}

type testServer struct {
	router *gin.Engine
	c      *collaborators
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	c := &collaborators{}
	s, err := triage.NewService(memory.NewMemoryBackend(), triage.Collaborators{
		Classifier:     c,
		PriorityScorer: c,
		Notifier:       c,
		ActionExecutor: c,
	}, dispatch.AllowOwner(), triage.ServiceOptions{
		EngineOptions: []engine.Option{engine.WithInstanceIDGenerator(func() string { return "wf-1" })},
	})
	require.NoError(t, err)

	return &testServer{
		router: New(s, nil).SetupRoutes(),
		c:      c,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var r *bytes.Reader
	if s, ok := body.(string); ok {
		r = bytes.NewReader([]byte(s))
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}

	return w, resp
}

func (ts *testServer) start(t *testing.T) {
	t.Helper()

	w, resp := ts.do(t, http.MethodPost, "/v1/workflows", StartWorkflowRequest{
		BusinessID: "msg-42",
		UserID:     "alice",
		Subject:    "Permit renewal",
		Sender:     "office@city.example",
		Body:       "Your permit expires soon.",
		Candidates: []string{"Government", "Newsletters"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "paused", resp["status"])
}

func Test_Health(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", resp["status"])
}

func Test_StartAndCallback(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t)

	w, resp := ts.do(t, http.MethodGet, "/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "await-decision", resp["node"])
	require.Equal(t, "ch-100", resp["state"].(map[string]any)["channel_message_id"])

	w, resp = ts.do(t, http.MethodPost, "/v1/callbacks", CallbackRequest{BusinessID: "msg-42", Decision: "approve"}, CallerHeader, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "completed", resp["status"])
	require.Equal(t, "done", resp["node"])
	require.Equal(t, int32(1), ts.c.applied.Load())

	w, resp = ts.do(t, http.MethodPost, "/v1/callbacks", CallbackRequest{BusinessID: "msg-42", Decision: "approve"}, CallerHeader, "alice")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "This message has already been handled.", resp["error"])
	require.Equal(t, int32(1), ts.c.applied.Load())
}

func Test_StartDuplicate(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/workflows", StartWorkflowRequest{BusinessID: "msg-42", UserID: "alice"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func Test_StartInvalid(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/workflows", `{"businessId":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := ts.do(t, http.MethodPost, "/v1/workflows", StartWorkflowRequest{UserID: "alice"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, resp["error"], "missing business id")
}

func Test_CallbackErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t)

	tests := []struct {
		name    string
		caller  string
		request CallbackRequest
		status  int
	}{
		{name: "missing caller", request: CallbackRequest{BusinessID: "msg-42", Decision: "approve"}, status: http.StatusUnauthorized},
		{name: "unauthorized caller", caller: "mallory", request: CallbackRequest{BusinessID: "msg-42", Decision: "approve"}, status: http.StatusForbidden},
		{name: "unknown business id", caller: "alice", request: CallbackRequest{BusinessID: "msg-7", Decision: "approve"}, status: http.StatusNotFound},
		{name: "undeclared decision", caller: "alice", request: CallbackRequest{BusinessID: "msg-42", Decision: "archive"}, status: http.StatusUnprocessableEntity},
		{name: "invalid edit", caller: "alice", request: CallbackRequest{BusinessID: "msg-42", Decision: "edit", EditedPayload: json.RawMessage(`{"category":"Spam"}`)}, status: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.caller != "" {
				headers = []string{CallerHeader, tt.caller}
			}

			w, resp := ts.do(t, http.MethodPost, "/v1/callbacks", tt.request, headers...)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.EqualValues(t, tt.status, resp["status"])
			require.NotContains(t, w.Body.String(), "goroutine")
		})
	}

	require.Equal(t, int32(0), ts.c.applied.Load())
}

func Test_FailedWorkflowHidesDetails(t *testing.T) {
	ts := newTestServer(t)
	ts.c.applyError = errors.New("mailbox backend exploded at /srv/mail.go:42")
	ts.start(t)

	w, resp := ts.do(t, http.MethodPost, "/v1/callbacks", CallbackRequest{BusinessID: "msg-42", Decision: "approve"}, CallerHeader, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "failed", resp["status"])
	require.Equal(t, `Processing stopped at step "execute".`, resp["error"])
	require.NotContains(t, w.Body.String(), "exploded")

	w, _ = ts.do(t, http.MethodGet, "/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "exploded")
}

func Test_Cancel(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t)

	w, resp := ts.do(t, http.MethodPost, "/v1/workflows/wf-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled", resp["status"])

	w, _ = ts.do(t, http.MethodPost, "/v1/workflows/wf-1/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/v1/workflows/wf-9/cancel", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func Test_GetUnknownWorkflow(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodGet, "/v1/workflows/wf-9", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, `workflow instance "wf-9" not found`, resp["error"])
}

func Test_ListWorkflows(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t)

	w, resp := ts.do(t, http.MethodGet, "/v1/workflows?status=paused", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, resp["count"])

	w, resp = ts.do(t, http.MethodGet, "/v1/workflows?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 0, resp["count"])

	w, _ = ts.do(t, http.MethodGet, "/v1/workflows?status=sleeping", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/workflows?before=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/v1/workflows?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: &workflow.ConcurrentResumeError{InstanceID: "wf-1"}, status: http.StatusConflict},
		{err: &workflow.RoutingError{Graph: "triage", Node: "notify"}, status: http.StatusUnprocessableEntity},
		{err: context.DeadlineExceeded, status: http.StatusServiceUnavailable},
		{err: errors.New("disk full"), status: http.StatusInternalServerError},
	}

	gin.SetMode(gin.TestMode)
	s := New(nil, nil)

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		s.fail(c, tt.err)

		require.Equal(t, tt.status, w.Code, tt.err.Error())
		require.NotContains(t, w.Body.String(), "disk full")
	}
}
