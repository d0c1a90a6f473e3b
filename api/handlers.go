package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
	"github.com/aparcar/asu-builder/resolver"
)

// resultEnvelope is the 200 body for a finished build, on cache hit or poll.
type resultEnvelope struct {
	RequestHash   string   `json:"request_hash"`
	Status        string   `json:"status"`
	Images        []string `json:"images"`
	Manifest      string   `json:"manifest"`
	BuildDuration float64  `json:"build_duration"`
	CacheHit      bool     `json:"cache_hit"`
}

// jobEnvelope is the 202 body while work is outstanding.
type jobEnvelope struct {
	RequestHash   string     `json:"request_hash"`
	Status        string     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// failureEnvelope is the 500 body for a terminally failed build.
type failureEnvelope struct {
	RequestHash  string `json:"request_hash"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// prepareEnvelope is the response of the pure resolver endpoint.
type prepareEnvelope struct {
	Status           string               `json:"status"`
	OriginalPackages []string             `json:"original_packages"`
	ResolvedPackages []string             `json:"resolved_packages"`
	Changes          []asub.PackageChange `json:"changes"`
	PreparedRequest  *asub.BuildRequest   `json:"prepared_request"`
	RequestHash      string               `json:"request_hash"`
	CacheAvailable   bool                 `json:"cache_available"`
}

// handleSubmit admits a build request: canonicalize, consult the result
// cache, consult the queue, then enqueue. Exactly one admission outcome is
// counted per call.
func (s *Server) handleSubmit(c *gin.Context) {
	ctx := c.Request.Context()

	var req asub.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Canonicalize(s.limits); err != nil {
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.db.RecordEvent(ctx, database.EventRequest, &req, 0); err != nil {
		s.log.WithError(err).Warn("failed to record request event")
	}

	// Serve straight from the result cache when possible.
	if result, err := s.db.GetResult(ctx, req.RequestHash); err == nil {
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeCacheHit).Inc()
		if err := s.db.RecordEvent(ctx, database.EventCacheHit, &req, 0); err != nil {
			s.log.WithError(err).Warn("failed to record cache hit event")
		}
		c.JSON(http.StatusOK, resultEnvelope{
			RequestHash:   result.RequestHash,
			Status:        string(asub.StatusCompleted),
			Images:        result.Images,
			Manifest:      result.Manifest,
			BuildDuration: result.BuildDurationSeconds,
			CacheHit:      true,
		})
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read result cache"})
		return
	}

	// An in-flight job makes this submission a subscriber; a recent failure
	// is served as-is until it ages out.
	job, err := s.db.GetJob(ctx, req.RequestHash)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job store"})
		return
	}
	if job != nil {
		switch job.Status {
		case asub.StatusPending, asub.StatusBuilding:
			s.m.RequestsTotal.WithLabelValues(metrics.OutcomeInFlight).Inc()
			c.JSON(http.StatusAccepted, jobEnvelope{
				RequestHash:   req.RequestHash,
				Status:        string(job.Status),
				QueuePosition: job.QueuePosition,
				StartedAt:     job.StartedAt,
			})
			return
		case asub.StatusFailed:
			c.JSON(http.StatusInternalServerError, failureEnvelope{
				RequestHash:  req.RequestHash,
				Status:       string(asub.StatusFailed),
				ErrorMessage: job.ErrorMessage,
			})
			return
		}
		// A completed job whose result has expired falls through to a fresh
		// enqueue.
	}

	queueLen, err := s.db.QueueLength(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue length"})
		return
	}
	if queueLen >= s.maxPending {
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		if err := s.db.RecordEvent(ctx, database.EventQueueFull, &req, 0); err != nil {
			s.log.WithError(err).Warn("failed to record queue-full event")
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue full"})
		return
	}

	if err := s.db.PutRequest(ctx, &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store request"})
		return
	}
	outcome, err := s.db.Enqueue(ctx, req.RequestHash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue build"})
		return
	}

	switch outcome {
	case database.OutcomeAlreadyBuilt:
		// Raced with a finishing worker; serve the fresh result.
		s.respondStatus(c, req.RequestHash, true)
	case database.OutcomeAlreadyInFlight:
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeInFlight).Inc()
		s.respondStatus(c, req.RequestHash, false)
	default:
		s.m.RequestsTotal.WithLabelValues(metrics.OutcomeQueued).Inc()
		pos, err := s.db.QueuePosition(ctx, req.RequestHash)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue position"})
			return
		}
		c.JSON(http.StatusAccepted, jobEnvelope{
			RequestHash:   req.RequestHash,
			Status:        string(asub.StatusPending),
			QueuePosition: pos,
		})
	}
}

// handleStatus polls a fingerprint.
func (s *Server) handleStatus(c *gin.Context) {
	s.respondStatus(c, c.Param("request_hash"), false)
}

// respondStatus writes the envelope for the fingerprint's current state:
// 200 with the result, 202 while in flight, 500 on terminal failure, 404 for
// an unknown fingerprint.
func (s *Server) respondStatus(c *gin.Context, requestHash string, cacheHit bool) {
	ctx := c.Request.Context()

	if result, err := s.db.GetResult(ctx, requestHash); err == nil {
		c.JSON(http.StatusOK, resultEnvelope{
			RequestHash:   result.RequestHash,
			Status:        string(asub.StatusCompleted),
			Images:        result.Images,
			Manifest:      result.Manifest,
			BuildDuration: result.BuildDurationSeconds,
			CacheHit:      cacheHit,
		})
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read result cache"})
		return
	}

	job, err := s.db.GetJob(ctx, requestHash)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job store"})
		return
	}

	switch job.Status {
	case asub.StatusFailed:
		c.JSON(http.StatusInternalServerError, failureEnvelope{
			RequestHash:  requestHash,
			Status:       string(asub.StatusFailed),
			ErrorMessage: job.ErrorMessage,
		})
	case asub.StatusCompleted:
		// The job finished but its result has since expired.
		c.JSON(http.StatusNotFound, gin.H{"error": "result expired"})
	default:
		c.JSON(http.StatusAccepted, jobEnvelope{
			RequestHash:   requestHash,
			Status:        string(job.Status),
			QueuePosition: job.QueuePosition,
			StartedAt:     job.StartedAt,
		})
	}
}

// handlePrepare runs the resolver without touching the queue. Default
// packages come from the probe memo when one is cached; an empty default set
// otherwise, which still exercises renames, additions, and pins.
func (s *Server) handlePrepare(c *gin.Context) {
	ctx := c.Request.Context()

	var req asub.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Canonicalize(s.limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	defaults := s.cachedDefaults(c, &req)

	res, err := resolver.Resolve(&req, defaults, s.rules)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prepared := req
	prepared.Packages = res.Packages
	prepared.SkipPackageResolution = true
	prepared.RequestHash = ""
	if err := prepared.Canonicalize(s.limits); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to canonicalize prepared request"})
		return
	}

	cacheAvailable := false
	if _, err := s.db.GetResult(ctx, prepared.RequestHash); err == nil {
		cacheAvailable = true
	}

	changes := res.Changes
	if changes == nil {
		changes = []asub.PackageChange{}
	}
	c.JSON(http.StatusOK, prepareEnvelope{
		Status:           "prepared",
		OriginalPackages: req.Packages,
		ResolvedPackages: res.Packages,
		Changes:          changes,
		PreparedRequest:  &prepared,
		RequestHash:      prepared.RequestHash,
		CacheAvailable:   cacheAvailable,
	})
}

// cachedDefaults reads the memoized default-package probe, if present. The
// prepare path never runs a container, so a cold cache just means the diff
// against defaults is computed over an empty set.
func (s *Server) cachedDefaults(c *gin.Context, req *asub.BuildRequest) []string {
	key := "default-packages:" + req.Version + ":" + req.Target + ":" + req.Profile
	raw, ok, err := s.db.CacheGet(c.Request.Context(), key)
	if err != nil || !ok {
		return nil
	}
	var defaults []string
	if err := json.Unmarshal(raw, &defaults); err != nil {
		return nil
	}
	return defaults
}
