package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"veritas/internal/domain"
	"veritas/internal/infra/metrics"
	"veritas/internal/usecase"
)

// GrantResolver lists the extra tenants a tenant may read.
type GrantResolver interface {
	Allowed(tenantID string) []string
}

type Options struct {
	AdminAPIKey         string
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	RateLimitFailClosed bool
}

type Deps struct {
	Audit       *usecase.AuditService
	Reports     *usecase.ReportVersionStore
	Grants      GrantResolver
	RateLimiter domain.RateLimiter
	Metrics     *metrics.Metrics
	Stream      *Hub
	// Ready reports whether storage can serve requests; nil means always.
	Ready  func(ctx context.Context) error
	Logger log.FieldLogger
}

type Server struct {
	r       *gin.Engine
	opts    Options
	audit   *usecase.AuditService
	reports *usecase.ReportVersionStore
	grants  GrantResolver
	limiter domain.RateLimiter
	metrics *metrics.Metrics
	stream  *Hub
	ready   func(ctx context.Context) error
	logger  log.FieldLogger
}

func NewServer(opts Options, deps Deps) (*Server, error) {
	if deps.Audit == nil || deps.Reports == nil {
		return nil, errors.New("audit service and report store are required")
	}
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		r:       r,
		opts:    opts,
		audit:   deps.Audit,
		reports: deps.Reports,
		grants:  deps.Grants,
		limiter: deps.RateLimiter,
		metrics: deps.Metrics,
		stream:  deps.Stream,
		ready:   deps.Ready,
		logger:  deps.Logger,
	}
	r.Use(s.logRequests)
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.r.Group("/v1", s.withScope, s.rateLimit)
	{
		v1.POST("/reports", s.handleCreateReport)
		v1.PUT("/reports/:id", s.handleUpdateReport)
		v1.GET("/reports/:id/latest", s.handleLatestVersion)
		v1.GET("/reports/:id/history", s.handleVersionHistory)
		v1.GET("/reports/:id/verify", s.handleVerifyReport)
		v1.GET("/versions/compare", s.handleCompareVersions)
		v1.GET("/versions/:id", s.handleGetVersion)

		v1.POST("/audit/events", s.handleLogEvent)
		v1.GET("/audit/events", s.handleQueryEvents)
		v1.GET("/audit/events/:id", s.handleGetEvent)
		v1.GET("/audit/sessions/:id/trail", s.handleSessionTrail)
		v1.GET("/audit/sessions/:id/report", s.handleSessionReport)
		v1.GET("/audit/subjects/:kind/:id/verify", s.handleVerifySubject)
		v1.GET("/audit/pii-report", s.handlePIIReport)
		if s.stream != nil {
			v1.GET("/audit/stream", s.handleStream)
		}
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			s.logger.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveRequest(route, c.Request.Method, c.Writer.Status(), elapsed.Seconds())
	}
	entry := s.logger.WithFields(log.Fields{
		"method":     c.Request.Method,
		"route":      route,
		"status":     c.Writer.Status(),
		"latency_ms": elapsed.Milliseconds(),
	})
	if rc, ok := usecase.RequestContextFrom(c.Request.Context()); ok && rc.RequestID != "" {
		entry = entry.WithField("request_id", rc.RequestID)
	}
	if err := c.Errors.Last(); err != nil {
		entry = entry.WithError(err.Err)
	}
	if c.Writer.Status() >= http.StatusInternalServerError {
		entry.Error("request failed")
		return
	}
	entry.Debug("request served")
}
