package usecase_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"veritas/internal/domain"
	"veritas/internal/infra/crypto"
	"veritas/internal/infra/memstore"
	"veritas/internal/usecase"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var hasher = crypto.NewContentHasher()

type fixture struct {
	store   *memstore.Store
	audit   *usecase.AuditService
	reports *usecase.ReportVersionStore
	hook    *logtest.Hook
	now     time.Time
}

func sequentialIDs(prefix string) usecase.IDGenerator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func fixedClock(t time.Time) usecase.Clock {
	return func() time.Time { return t }
}

func newFixture(t *testing.T, opts ...func(*usecase.AuditServiceConfig)) *fixture {
	t.Helper()
	store := memstore.New()
	return newFixtureWith(t, store, store, opts...)
}

func newFixtureWith(t *testing.T, entries usecase.AuditEntryStorage, versions usecase.VersionStorage, opts ...func(*usecase.AuditServiceConfig)) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	cfg := usecase.AuditServiceConfig{
		Storage: entries,
		Hasher:  hasher,
		Clock:   fixedClock(now),
		IDs:     sequentialIDs("entry"),
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	audit, err := usecase.NewAuditService(cfg)
	if err != nil {
		t.Fatalf("new audit service: %v", err)
	}
	reports, err := usecase.NewReportVersionStore(usecase.ReportVersionStoreConfig{
		Storage: versions,
		Audit:   audit,
		Hasher:  hasher,
		Clock:   fixedClock(now),
		IDs:     sequentialIDs("version"),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new report store: %v", err)
	}
	store, _ := entries.(*memstore.Store)
	return &fixture{store: store, audit: audit, reports: reports, hook: hook, now: now}
}

func tenantCtx(tenantID string, allowed ...string) context.Context {
	return usecase.WithTenantScope(context.Background(), domain.NewTenantScope(tenantID, allowed...))
}

func adminCtx() context.Context {
	return usecase.WithTenantScope(context.Background(), domain.PlatformAdminScope())
}

func doc(t *testing.T, s string) domain.Value {
	t.Helper()
	v, err := domain.ParseJSON([]byte(s))
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return v
}

func hasLog(hook *logtest.Hook, level log.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}
