package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/jobs"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// SubmitRequest is the request body for POST /api/v1/research.
type SubmitRequest struct {
	Name       string   `json:"name"`
	Context    string   `json:"context,omitempty"`
	Objectives []string `json:"objectives,omitempty"`
}

// SubmitResponse is the response body for POST /api/v1/research.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ListResponse is the response body for GET /api/v1/research.
type ListResponse struct {
	Jobs  []*jobs.View `json:"jobs"`
	Count int          `json:"count"`
}

// DeleteResponse is the response body for DELETE /api/v1/research/:id.
type DeleteResponse struct {
	JobID  string `json:"job_id"`
	Purged bool   `json:"purged,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// jobError translates service errors into HTTP errors.
func jobError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		return echo.NewHTTPError(http.StatusConflict, "job already finished")
	case errors.Is(err, jobs.ErrJobActive):
		return echo.NewHTTPError(http.StatusConflict, "job still active")
	case errors.Is(err, jobs.ErrNoReport):
		return echo.NewHTTPError(http.StatusConflict, "report not ready")
	default:
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "researchd"})
}

// handleReady reports whether the process can do useful work. The bus
// matters only when one is wired: SSE and live events need it, the
// core job lifecycle does not.
func (s *Server) handleReady(c echo.Context) error {
	if s.nc != nil && s.nc.Status() != nats.CONNECTED {
		return c.JSON(http.StatusServiceUnavailable, ReadyResponse{
			Status: "unavailable",
			Reason: "event bus disconnected",
		})
	}
	return c.JSON(http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name field is required")
	}

	id, err := s.jobs.Submit(c.Request().Context(), research.TargetDescriptor{
		Name:       req.Name,
		Context:    req.Context,
		Objectives: req.Objectives,
	})
	if err != nil {
		s.logger.Error("submit failed", zap.String("target", req.Name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit job")
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:  id,
		Status: string(research.JobPending),
	})
}

func (s *Server) handleList(c echo.Context) error {
	views, err := s.jobs.List(c.Request().Context())
	if err != nil {
		return jobError(err)
	}
	if views == nil {
		views = []*jobs.View{}
	}
	return c.JSON(http.StatusOK, ListResponse{Jobs: views, Count: len(views)})
}

func (s *Server) handleStatus(c echo.Context) error {
	view, err := s.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// handleReport serves the final report as markdown, not JSON; it is
// meant to be piped to a file or a pager.
func (s *Server) handleReport(c echo.Context) error {
	report, err := s.jobs.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

// handleDelete cancels the job, or with ?purge=true removes a terminal
// job's checkpoints and graph entirely.
func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")

	if c.QueryParam("purge") == "true" {
		if err := s.jobs.Purge(c.Request().Context(), id); err != nil {
			return jobError(err)
		}
		return c.JSON(http.StatusOK, DeleteResponse{JobID: id, Purged: true})
	}

	if err := s.jobs.Cancel(c.Request().Context(), id); err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusAccepted, DeleteResponse{JobID: id})
}
