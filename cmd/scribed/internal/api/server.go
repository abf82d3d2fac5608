// Package api exposes the daemon's read-only status surface: health,
// job listing, aggregate stats, and prometheus metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scribeworks/scribed/cmd/scribed/internal/health"
	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// Server wires the gin router over the scheduler and health checkers.
type Server struct {
	engine   *gin.Engine
	sched    *pipeline.Scheduler
	checkers []*health.Checker
}

// New builds the router. production switches gin to release mode.
func New(sched *pipeline.Scheduler, checkers []*health.Checker, production bool) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		engine:   gin.New(),
		sched:    sched,
		checkers: checkers,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.engine.Group("/api")
	{
		apiGroup.GET("/jobs", s.handleListJobs)
		apiGroup.GET("/jobs/:id", s.handleGetJob)
		apiGroup.GET("/stats", s.handleStats)
	}
}

// Handler exposes the router for an http.Server and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// handleHealthz reports daemon liveness plus per-dependency health. The
// daemon itself answers 200 even when a dependency is down; dependency
// state is data, not liveness.
func (s *Server) handleHealthz(c *gin.Context) {
	deps := make([]health.ServiceStatus, 0, len(s.checkers))
	degraded := false
	for _, checker := range s.checkers {
		status := checker.Status()
		if !status.IsHealthy {
			degraded = true
		}
		deps = append(deps, status)
	}
	state := "ok"
	if degraded {
		state = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       state,
		"dependencies": deps,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.sched.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.sched.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Stats())
}
