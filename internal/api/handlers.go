// Package api exposes the job and asset endpoints over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rossigee/reelforge/internal/auth"
	"github.com/rossigee/reelforge/internal/metrics"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// JobService interface for job operations
type JobService interface {
	Enqueue(ctx context.Context, userID string, req types.EnqueueRequest) (*types.JobView, error)
	// GetJob kicks the worker loops before reading
	GetJob(ctx context.Context, userID, jobID string) (*types.JobView, error)
	ReadJob(ctx context.Context, userID, jobID string) (*types.JobView, error)
	ListJobs(ctx context.Context, userID string, query types.ListJobsQuery) ([]types.JobView, error)
	KickAll()
	JobCounts(ctx context.Context) (queued, running int, err error)
}

// Config holds handler settings
type Config struct {
	Version string
	Stream  StreamConfig
}

// Handler handles HTTP API requests
type Handler struct {
	jobs    JobService
	assets  storage.AssetStore
	metrics *metrics.Metrics
	version string
	stream  StreamConfig
	started time.Time
	now     func() time.Time
	newID   func() string
}

// NewHandler creates a new API handler
func NewHandler(jobs JobService, assets storage.AssetStore, cfg Config, m *metrics.Metrics) *Handler {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		jobs:    jobs,
		assets:  assets,
		metrics: m,
		version: version,
		stream:  cfg.Stream.withDefaults(),
		started: time.Now(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetupRoutes configures the API routes. authMiddleware runs before every
// /api/v1 handler; gatherer, when set, is served on /metrics.
func SetupRoutes(router *gin.Engine, handler *Handler, authMiddleware gin.HandlerFunc, gatherer prometheus.Gatherer) {
	api := router.Group("/api/v1")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	{
		api.POST("/jobs", handler.EnqueueJob)
		api.GET("/jobs", handler.ListJobs)
		api.GET("/jobs/:job_id", handler.GetJobStatus)
		api.GET("/jobs/:job_id/events", handler.StreamJobEvents)

		api.POST("/projects", handler.CreateProject)
		api.GET("/projects/:project_id", handler.GetProject)
		api.GET("/projects/:project_id/assets/events", handler.StreamAssetEvents)
	}

	router.GET("/health", handler.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// EnqueueJob queues a job and wakes the worker loops
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req types.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	ctx := c.Request.Context()
	userID := auth.UserID(c)

	if req.Scope.ProjectID != "" {
		if _, err := h.ownedProject(ctx, userID, req.Scope.ProjectID); err != nil {
			respondError(c, err)
			return
		}
	}

	view, err := h.jobs.Enqueue(ctx, userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, types.EnqueueResponse{
		JobID:           view.JobID,
		Status:          view.Status,
		Snapshot:        view.Snapshot,
		ProgressVersion: view.ProgressVersion,
	})
	h.jobs.KickAll()
}

// GetJobStatus returns the current state of a job owned by the caller
func (h *Handler) GetJobStatus(c *gin.Context) {
	view, err := h.jobs.GetJob(c.Request.Context(), auth.UserID(c), c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListJobs returns the caller's jobs, most recent first
func (h *Handler) ListJobs(c *gin.Context) {
	var query types.ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	views, err := h.jobs.ListJobs(c.Request.Context(), auth.UserID(c), query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ListJobsResponse{Jobs: views})
}

// CreateProject registers a project owned by the caller
func (h *Handler) CreateProject(c *gin.Context) {
	var req types.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	record := &storage.ProjectRecord{
		ID:     h.newID(),
		UserID: auth.UserID(c),
		Name:   req.Name,
	}
	if err := h.assets.CreateProject(c.Request.Context(), record); err != nil {
		respondError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"project_id": record.ID,
		"user_id":    record.UserID,
	}).Info("Project created")
	c.JSON(http.StatusCreated, toProject(record))
}

// GetProject returns a project owned by the caller
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.ownedProject(c.Request.Context(), auth.UserID(c), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProject(project))
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	response := types.HealthResponse{
		Status:    "healthy",
		Timestamp: h.now(),
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	queued, running, err := h.jobs.JobCounts(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Warn("Health check could not count jobs")
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.QueuedJobs = queued
	response.RunningJobs = running

	c.JSON(http.StatusOK, response)
}

// ownedProject loads a project, reporting foreign projects as not found
func (h *Handler) ownedProject(ctx context.Context, userID, projectID string) (*storage.ProjectRecord, error) {
	project, err := h.assets.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, fmt.Errorf("%w: %s", storage.ErrProjectNotFound, projectID)
	}
	return project, nil
}

func toProject(record *storage.ProjectRecord) types.Project {
	return types.Project{
		ID:        record.ID,
		Name:      record.Name,
		CreatedAt: record.CreatedAt,
	}
}
