package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

func (s *Server) rateLimit(c *gin.Context) {
	if s.limiter == nil || s.opts.RateLimitRequests <= 0 {
		c.Next()
		return
	}
	rc, _ := usecase.RequestContextFrom(c.Request.Context())
	key := domain.RateLimitKey(rc.TenantID, c.FullPath())

	decision, err := s.limiter.Allow(c.Request.Context(), key, s.opts.RateLimitRequests, s.opts.RateLimitWindow)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
		if s.opts.RateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			c.Abort()
			return
		}
		c.Next()
		return
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeError(c, domain.ErrRateLimited)
		c.Abort()
		return
	}
	c.Next()
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if decision.ResetAt.IsZero() {
		return
	}
	c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Allowed {
		retryAfter := int64(time.Until(decision.ResetAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
}
