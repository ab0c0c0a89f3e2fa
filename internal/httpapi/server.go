// Package httpapi wires the gin REST/SSE surface and the coder/websocket
// event socket onto the core: chat streaming (spec.md §6's completion
// streaming endpoint), the workflow REST surface, and the long-lived
// `/ws/events` / `/ws/builder/{session_id}` duplex. Handlers here are thin
// adapters — they call chat.Pipeline.Turn, workflow.Service's methods, and
// bus.Bus.Subscribe and translate the result onto the wire; no business
// logic lives in this package, and errs.HTTPStatus is the only place a
// Kind becomes an HTTP status (internal/errs's own package doc).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/chat"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
	"github.com/boternity/boternity/internal/workflow"
)

// Server holds every dependency the handlers need. It has no state of its
// own beyond those references.
type Server struct {
	chat      *chat.Pipeline
	workflows *workflow.Service
	// workflowRepo backs the read-only listing operations (get/list
	// definitions, list runs, get run, list step logs) that
	// workflow.Service deliberately has no passthrough for — Service's
	// public surface is the set of operations with business rules
	// attached (Define/Submit/Approve/Cancel); plain reads are not
	// business logic, so this package talks to the repository directly
	// for them rather than growing Service into a god object.
	workflowRepo storage.WorkflowRepository
	bus          *bus.Bus
	logger       telemetry.Logger
}

// Options configures a Server. Chat, Workflows, WorkflowRepo, and Bus are
// required.
type Options struct {
	Chat         *chat.Pipeline
	Workflows    *workflow.Service
	WorkflowRepo storage.WorkflowRepository
	Bus          *bus.Bus
	Logger       telemetry.Logger
}

// NewServer constructs a Server. It panics if Chat, Workflows, WorkflowRepo,
// or Bus is nil.
func NewServer(opts Options) *Server {
	if opts.Chat == nil {
		panic("httpapi: Chat is required")
	}
	if opts.Workflows == nil {
		panic("httpapi: Workflows is required")
	}
	if opts.WorkflowRepo == nil {
		panic("httpapi: WorkflowRepo is required")
	}
	if opts.Bus == nil {
		panic("httpapi: Bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Server{
		chat: opts.Chat, workflows: opts.Workflows, workflowRepo: opts.WorkflowRepo,
		bus: opts.Bus, logger: logger,
	}
}

// Router builds the gin engine with every route registered. Callers own
// starting the http.Server around it, the way spec.md's exit-code table
// implies a CLI-managed process lifecycle rather than this package owning
// net.Listen itself.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/bots/:id/chat/stream", s.handleChatStream)

		wf := v1.Group("/workflows")
		{
			wf.POST("", s.handleCreateWorkflow)
			wf.GET("", s.handleListWorkflows)
			wf.GET("/:id", s.handleGetWorkflow)
			wf.PUT("/:id", s.handleUpdateWorkflow)
			wf.DELETE("/:id", s.handleDeleteWorkflow)
			wf.POST("/:id/trigger", s.handleTriggerWorkflow)
			wf.GET("/:id/runs", s.handleListRunsForWorkflow)
		}
		runs := v1.Group("/runs")
		{
			runs.GET("/:runID", s.handleGetRun)
			runs.POST("/:runID/approve", s.handleApproveRun)
			runs.POST("/:runID/cancel", s.handleCancelRun)
		}
	}

	r.GET("/ws/events", s.handleEventSocket)
	r.GET("/ws/builder/:sessionID", s.handleBuilderSocket)

	return r
}

// requestLogger adapts gin's usual access-log middleware onto the shared
// telemetry.Logger instead of gin's default writer, so every request lands
// in the same structured log stream as the rest of the process.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			s.logger.Warn(c.Request.Context(), "request completed with errors",
				"path", c.Request.URL.Path, "status", c.Writer.Status(), "errors", c.Errors.String())
			return
		}
		s.logger.Debug(c.Request.Context(), "request completed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}
