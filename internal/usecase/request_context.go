package usecase

import (
	"context"

	"veritas/internal/domain"
)

// RequestContext is the caller identity for one request.
type RequestContext struct {
	UserID    string
	TenantID  string
	RequestID string
}

type requestContextKey struct{}

type tenantScopeKey struct{}

func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

func WithTenantScope(ctx context.Context, scope domain.TenantScope) context.Context {
	return context.WithValue(ctx, tenantScopeKey{}, scope)
}

// TenantScopeFrom returns the zero scope, which denies everything, when ctx
// carries none.
func TenantScopeFrom(ctx context.Context) domain.TenantScope {
	scope, _ := ctx.Value(tenantScopeKey{}).(domain.TenantScope)
	return scope
}
