package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/triage"
	"github.com/cschleiden/go-triage/workflow"
)

var (
	ErrInvalidJSON   = errors.New("invalid JSON body")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrMissingCaller = errors.New("missing " + CallerHeader + " header")
)

// ErrorResponse is returned for all failed requests. Messages are meant for end users and never
// contain internal details.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (s *Server) abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:  message,
		Status: status,
	})
}

// fail maps err to a status code and a plain-language message.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		invalidDecision  *workflow.InvalidDecisionError
		routing          *workflow.RoutingError
		unauthorized     *workflow.AuthorizationError
		notFound         *workflow.NotFoundError
		alreadyCompleted *workflow.AlreadyCompletedError
		duplicate        *workflow.DuplicateBusinessIDError
		concurrent       *workflow.ConcurrentResumeError
	)

	switch {
	case errors.Is(err, triage.ErrInvalidMessage):
		s.abort(c, http.StatusBadRequest, err.Error())

	case errors.As(err, &invalidDecision):
		s.abort(c, http.StatusUnprocessableEntity, invalidDecision.Error())

	case errors.As(err, &routing):
		s.abort(c, http.StatusUnprocessableEntity, "The workflow cannot continue from its current step.")

	case errors.As(err, &unauthorized):
		s.abort(c, http.StatusForbidden, "You are not allowed to act on this message.")

	case errors.As(err, &notFound):
		s.abort(c, http.StatusNotFound, notFound.Error())

	case errors.As(err, &alreadyCompleted):
		s.abort(c, http.StatusConflict, "This message has already been handled.")

	case errors.As(err, &duplicate):
		s.abort(c, http.StatusConflict, "This message is already being processed.")

	case errors.As(err, &concurrent):
		s.abort(c, http.StatusConflict, "This message is being handled right now, please try again shortly.")

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.abort(c, http.StatusServiceUnavailable, "The request could not be completed in time, please try again.")

	default:
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			log.WorkflowIDKey, c.Param("id"),
			"error", err,
		)

		s.abort(c, http.StatusInternalServerError, "Something went wrong, please try again later.")
	}
}
