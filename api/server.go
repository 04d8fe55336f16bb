// Package api exposes the pipeline engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/songzhibin97/perf-pipeline/types"
	"github.com/songzhibin97/perf-pipeline/workflow"
)

// resetKeywords are acknowledged without creating a workflow.
var resetKeywords = map[string]bool{
	"reset":      true,
	"new test":   true,
	"start over": true,
}

// Service is the part of the engine the HTTP layer drives.
type Service interface {
	Submit(ctx context.Context, story string) (*workflow.Handle, error)
	Status(ctx context.Context, id string) (types.Progress, error)
	Results(ctx context.Context, id string) (types.Outcome, error)
	Remove(ctx context.Context, id string) error
	Active() []string
	Capabilities() workflow.Capabilities
}

// Server holds the dependencies for the API server.
type Server struct {
	Engine Service
	now    func() time.Time

	// submitMu makes the active check and the submit one step.
	submitMu sync.Mutex
}

// NewServer creates a new Server.
func NewServer(engine Service) *Server {
	return &Server{Engine: engine, now: time.Now}
}

// RegisterHandlers mounts every route on e.
func RegisterHandlers(e *echo.Echo, s *Server) {
	e.GET("/health", s.Health)

	v1 := e.Group("/api/v1")
	v1.GET("/capabilities", s.GetCapabilities)
	v1.POST("/workflows", s.SubmitWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.GET("/workflows/:id/results", s.GetResults)
	v1.DELETE("/workflows/:id", s.DeleteWorkflow)
}

// SubmitRequest is the body of POST /api/v1/workflows.
type SubmitRequest struct {
	Message string `json:"message"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Reset      bool   `json:"reset,omitempty"`
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Active    int       `json:"active_workflows"`
}

// Health returns basic health status (always 200 OK).
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: s.now(),
		Service:   "perfpipe",
		Active:    len(s.Engine.Active()),
	})
}

// GetCapabilities returns the startup check of every pipeline module.
// (GET /api/v1/capabilities)
func (s *Server) GetCapabilities(c echo.Context) error {
	caps := s.Engine.Capabilities()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"available": caps.Available(),
		"modules":   caps,
	})
}

// SubmitWorkflow starts a workflow for the submitted user story.
// (POST /api/v1/workflows)
func (s *Server) SubmitWorkflow(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	story := strings.TrimSpace(req.Message)
	if story == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty message")
	}
	if resetKeywords[strings.ToLower(story)] {
		return c.JSON(http.StatusOK, SubmitResponse{Reset: true})
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if active := s.Engine.Active(); len(active) > 0 {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message":          "Workflow in progress",
			"active_workflows": active,
		})
	}

	h, err := s.Engine.Submit(c.Request().Context(), story)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{WorkflowID: h.ID})
}

// GetWorkflow returns the progress of one workflow.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	progress, err := s.Engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

// GetResults returns the stage payloads of one workflow.
// (GET /api/v1/workflows/:id/results)
func (s *Server) GetResults(c echo.Context) error {
	outcome, err := s.Engine.Results(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// DeleteWorkflow removes a finished workflow.
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.Engine.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrEmptyStory):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrNoURL):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, workflow.URLPrompt)
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Workflow not found")
	case errors.Is(err, workflow.ErrWorkflowActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrModuleUnavailable), errors.Is(err, workflow.ErrEngineStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
