// Package api exposes the engine over HTTP. The surface is a small
// JSON API: submit a rollout, inspect or list deployments, scale, and
// delete.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prism-mining/deploy-engine/internal/engine"
	"github.com/prism-mining/deploy-engine/internal/registry"
)

// Deployer is the engine surface the API serves.
type Deployer interface {
	StartDeployment(ctx context.Context, req engine.StartRequest) (string, error)
	GetDeployment(ctx context.Context, id string) (registry.Record, error)
	ListDeployments(ctx context.Context) []registry.Record
	ScaleDeployment(ctx context.Context, id string, replicas int32) error
	DeleteDeployment(ctx context.Context, id string) error
}

// Server routes HTTP requests to a Deployer.
type Server struct {
	deployer Deployer
}

// NewServer creates a Server around the given engine.
func NewServer(d Deployer) *Server {
	return &Server{deployer: d}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/deployments", s.createDeployment)
		v1.GET("/deployments", s.listDeployments)
		v1.GET("/deployments/:id", s.getDeployment)
		v1.POST("/deployments/:id/scale", s.scaleDeployment)
		v1.DELETE("/deployments/:id", s.deleteDeployment)
	}

	return r
}

// requestLogger emits one structured log line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) createDeployment(c *gin.Context) {
	var req engine.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := s.deployer.StartDeployment(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"deployment_id": id})
}

func (s *Server) listDeployments(c *gin.Context) {
	recs := s.deployer.ListDeployments(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"deployments": recs,
		"count":       len(recs),
	})
}

func (s *Server) getDeployment(c *gin.Context) {
	rec, err := s.deployer.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type scaleRequest struct {
	Replicas int32 `json:"replicas"`
}

func (s *Server) scaleDeployment(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.deployer.ScaleDeployment(c.Request.Context(), c.Param("id"), req.Replicas); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": c.Param("id"), "replicas": req.Replicas})
}

func (s *Server) deleteDeployment(c *gin.Context) {
	if err := s.deployer.DeleteDeployment(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// renderError maps engine and registry errors onto HTTP statuses.
func (s *Server) renderError(c *gin.Context, err error) {
	var (
		verr *engine.ValidationError
		nf   *registry.ErrNotFound
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
