package domain

import (
	"context"
	"fmt"
	"time"
)

type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}

// RateLimitKey buckets requests per tenant and route.
func RateLimitKey(tenantID, route string) string {
	if tenantID == "" {
		tenantID = "anonymous"
	}
	return fmt.Sprintf("tenant:%s:endpoint:%s", tenantID, route)
}
