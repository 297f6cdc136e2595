package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/triage"
)

type StartWorkflowRequest struct {
	BusinessID string   `json:"businessId"`
	UserID     string   `json:"userId"`
	Subject    string   `json:"subject"`
	Sender     string   `json:"sender"`
	Body       string   `json:"body"`
	Candidates []string `json:"candidates"`
}

type CallbackRequest struct {
	BusinessID    string          `json:"businessId"`
	Decision      string          `json:"decision"`
	EditedPayload json.RawMessage `json:"editedPayload,omitempty"`
}

type WorkflowResponse struct {
	InstanceID string                      `json:"instanceId"`
	BusinessID string                      `json:"businessId"`
	Status     core.WorkflowInstanceStatus `json:"status"`
	Node       string                      `json:"node"`
	Sequence   int64                       `json:"sequence,omitempty"`
	State      *triage.State               `json:"state,omitempty"`

	// Error is a plain-language description of the failure of a failed workflow
	Error string `json:"error,omitempty"`

	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type WorkflowListResponse struct {
	Workflows []WorkflowResponse `json:"workflows"`
	Count     int                `json:"count"`
}

func (s *Server) startWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, ErrInvalidJSON.Error())
		return
	}

	// Execution continues when the client disconnects, the instance must reach a checkpoint
	ctx := context.WithoutCancel(c.Request.Context())

	r, err := s.service.Start(ctx, triage.Message{
		BusinessID: req.BusinessID,
		UserID:     req.UserID,
		Subject:    req.Subject,
		Sender:     req.Sender,
		Body:       req.Body,
	}, req.Candidates)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, resultResponse(r))
}

func (s *Server) handleCallback(c *gin.Context) {
	callerID := c.GetHeader(CallerHeader)
	if callerID == "" {
		s.abort(c, http.StatusUnauthorized, ErrMissingCaller.Error())
		return
	}

	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, ErrInvalidJSON.Error())
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())

	r, err := s.service.Callback(ctx, dispatch.Callback{
		BusinessID:    req.BusinessID,
		CallerID:      callerID,
		Decision:      req.Decision,
		EditedPayload: req.EditedPayload,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, resultResponse(r))
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	id := c.Param("id")

	if err := s.service.Cancel(context.WithoutCancel(c.Request.Context()), id); err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, WorkflowResponse{
		InstanceID: id,
		Status:     core.WorkflowInstanceStatusCancelled,
	})
}

func (s *Server) getWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	i, err := s.service.GetWorkflowInstance(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	r := instanceResponse(i)

	state, err := s.service.GetWorkflowState(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	r.State = &state

	c.JSON(http.StatusOK, r)
}

func (s *Server) listWorkflows(c *gin.Context) {
	var filter backend.InstanceFilter

	if v := c.Query("status"); v != "" {
		status := core.WorkflowInstanceStatus(v)
		if !status.Valid() {
			s.abort(c, http.StatusBadRequest, fmt.Sprintf("%v: unknown status %q", ErrInvalidFilter, v))
			return
		}

		filter.Status = status
	}

	if v := c.Query("before"); v != "" {
		before, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.abort(c, http.StatusBadRequest, fmt.Sprintf("%v: before must be an RFC 3339 timestamp", ErrInvalidFilter))
			return
		}

		filter.UpdatedBefore = before
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.abort(c, http.StatusBadRequest, fmt.Sprintf("%v: limit must be a positive number", ErrInvalidFilter))
			return
		}

		filter.Limit = limit
	}

	instances, err := s.service.ListWorkflowInstances(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}

	workflows := make([]WorkflowResponse, 0, len(instances))
	for _, i := range instances {
		workflows = append(workflows, instanceResponse(i))
	}

	c.JSON(http.StatusOK, WorkflowListResponse{
		Workflows: workflows,
		Count:     len(workflows),
	})
}

func resultResponse(r *triage.Result) WorkflowResponse {
	resp := WorkflowResponse{
		InstanceID: r.InstanceID,
		BusinessID: r.BusinessID,
		Status:     r.Status,
		Node:       r.Node,
		State:      &r.State,
	}

	if r.Error != nil {
		resp.Error = failureMessage(r.Node)
	}

	return resp
}

func instanceResponse(i *core.WorkflowInstance) WorkflowResponse {
	resp := WorkflowResponse{
		InstanceID:  i.InstanceID,
		BusinessID:  i.BusinessID,
		Status:      i.Status,
		Node:        i.CurrentNode,
		Sequence:    i.Sequence,
		CreatedAt:   &i.CreatedAt,
		UpdatedAt:   &i.UpdatedAt,
		CompletedAt: i.CompletedAt,
	}

	if i.Error != nil {
		resp.Error = failureMessage(i.CurrentNode)
	}

	return resp
}

// Persisted errors carry internal details, only the failed step is reported
func failureMessage(node string) string {
	return fmt.Sprintf("Processing stopped at step %q.", node)
}
