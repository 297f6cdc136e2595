package server

import (
	"context"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/triage"
)

// CallerHeader identifies the caller of a callback
const CallerHeader = "X-Caller-ID"

// Service is the triage service exposed by the server
type Service interface {
	Start(ctx context.Context, m triage.Message, candidates []string) (*triage.Result, error)
	Callback(ctx context.Context, cb dispatch.Callback) (*triage.Result, error)
	Cancel(ctx context.Context, instanceID string) error
	GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error)
	GetWorkflowState(ctx context.Context, instanceID string) (triage.State, error)
	ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error)
}

var _ Service = (*triage.Service)(nil)

// Server implements the HTTP API of the triage daemon
type Server struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		service: service,
		logger:  logger,
	}
}

// SetupRoutes configures and returns the router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/v1")
	{
		v1.POST("/workflows", s.startWorkflow)
		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.POST("/workflows/:id/cancel", s.cancelWorkflow)

		v1.POST("/callbacks", s.handleCallback)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
