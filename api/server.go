// Package api exposes the build service over HTTP: submission and status
// polling, the pure prepare endpoint, stats, and static artifact serving.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
	"github.com/aparcar/asu-builder/resolver"
)

// Server holds the handler dependencies.
type Server struct {
	db         *database.DB
	rules      *resolver.Rules
	limits     asub.Limits
	maxPending int
	storePath  string
	m          *metrics.Metrics
	log        *logrus.Logger
}

// New creates a server over the given store and resolver rules.
func New(db *database.DB, rules *resolver.Rules, limits asub.Limits, maxPending int, storePath string, m *metrics.Metrics, log *logrus.Logger) *Server {
	return &Server{
		db:         db,
		rules:      rules,
		limits:     limits,
		maxPending: maxPending,
		storePath:  storePath,
		m:          m,
		log:        log,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/build", s.handleSubmit)
		v1.GET("/build/:request_hash", s.handleStatus)
		v1.POST("/build/prepare", s.handlePrepare)
		v1.GET("/stats", s.handleStats)
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.m.Handler()))

	if s.storePath != "" {
		r.Static("/store", s.storePath)
	}
	return r
}

// PrepareRouter builds an engine exposing only the pure resolver surface.
// This is the standalone prepare deployment shape: no queue, no container
// driver, just resolution plus a read-only cache probe.
func (s *Server) PrepareRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.POST("/api/v1/build/prepare", s.handlePrepare)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.m.Handler()))
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("http request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	queueLen, err := s.db.QueueLength(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue length"})
		return
	}
	counters, err := s.db.Counters(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read counters"})
		return
	}
	avg, err := s.db.AverageBuildDuration(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read build durations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue_length":                   queueLen,
		"events":                         counters,
		"average_build_duration_seconds": avg.Seconds(),
	})
}
