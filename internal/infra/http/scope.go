package http

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const (
	headerUserID    = "X-User-ID"
	headerTenantID  = "X-Tenant-ID"
	headerAdminKey  = "X-Admin-Key"
	headerRequestID = "X-Request-ID"
)

// withScope derives the request identity and tenant scope from headers.
// Callers are expected to sit behind a gateway that has authenticated them;
// only the admin key is checked here.
func (s *Server) withScope(c *gin.Context) {
	rc := usecase.RequestContext{
		UserID:    strings.TrimSpace(c.GetHeader(headerUserID)),
		TenantID:  strings.TrimSpace(c.GetHeader(headerTenantID)),
		RequestID: strings.TrimSpace(c.GetHeader(headerRequestID)),
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	c.Header(headerRequestID, rc.RequestID)

	var scope domain.TenantScope
	if s.isAdmin(c.GetHeader(headerAdminKey)) {
		scope = domain.PlatformAdminScope()
		scope.TenantID = rc.TenantID
	} else {
		var allowed []string
		if s.grants != nil {
			allowed = s.grants.Allowed(rc.TenantID)
		}
		scope = domain.NewTenantScope(rc.TenantID, allowed...)
	}

	ctx := usecase.WithRequestContext(c.Request.Context(), rc)
	ctx = usecase.WithTenantScope(ctx, scope)
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func (s *Server) isAdmin(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" || s.opts.AdminAPIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.AdminAPIKey)) == 1
}
