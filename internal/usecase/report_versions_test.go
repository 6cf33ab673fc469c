package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"veritas/internal/domain"
	"veritas/internal/infra/memstore"
	"veritas/internal/usecase"

	log "github.com/sirupsen/logrus"
)

func createReport(t *testing.T, f *fixture, ctx context.Context, reportID, tenant, content string) domain.ReportVersion {
	t.Helper()
	v, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{
		ReportID:   reportID,
		ReportType: domain.ReportTaxReturn,
		Content:    doc(t, content),
		TenantID:   tenant,
		CreatedBy:  "preparer",
	})
	if err != nil {
		t.Fatalf("create %s/%s: %v", reportID, tenant, err)
	}
	return v
}

func updateReport(t *testing.T, f *fixture, ctx context.Context, reportID, tenant, content string) domain.ReportVersion {
	t.Helper()
	v, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{
		ReportID: reportID,
		TenantID: tenant,
		Content:  doc(t, content),
	})
	if err != nil {
		t.Fatalf("update %s/%s: %v", reportID, tenant, err)
	}
	return v
}

func TestCreateReport_FirstVersion(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	v := createReport(t, f, ctx, "report-123", "A", `{"total_tax":10000,"status":"draft"}`)
	if v.VersionNumber != 1 || v.PreviousVersionID != "" || v.PreviousHash != "" {
		t.Fatalf("unexpected first version %+v", v)
	}
	if v.ContentHash != hasher.Hash(v.Content) || !v.VerifyIntegrity(hasher) {
		t.Fatal("first version must be self-consistent")
	}

	_, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{ReportID: "report-123", ReportType: domain.ReportTaxReturn, TenantID: "A"})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateReport_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	if _, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{ReportType: domain.ReportTaxReturn, TenantID: "A"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("missing report id: %v", err)
	}
	if _, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{ReportID: "r", ReportType: "poem", TenantID: "A"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("bad report type: %v", err)
	}
}

func TestUpdateReport_LinksToPredecessor(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	v1 := createReport(t, f, ctx, "r", "A", `{"total_tax":10000}`)
	v2 := updateReport(t, f, ctx, "r", "A", `{"total_tax":12000}`)
	if v2.VersionNumber != 2 || v2.PreviousVersionID != v1.ID || v2.PreviousHash != v1.ContentHash {
		t.Fatalf("version 2 must link to version 1: %+v", v2)
	}
	if v2.ReportType != v1.ReportType {
		t.Fatal("report type carries over")
	}

	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "missing", TenantID: "A"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", ChangeType: domain.ChangeCreated}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("created is not an update: %v", err)
	}
}

func TestUpdateReport_ExpectedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	createReport(t, f, ctx, "r", "A", `{"a":1}`)
	_, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":2}`), ExpectedVersion: 3})
	if !errors.Is(err, domain.ErrConcurrentVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":2}`), ExpectedVersion: 1}); err != nil {
		t.Fatalf("matching precondition: %v", err)
	}
}

func TestUpdateReport_FinalizedAcceptsOnlyCorrections(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	createReport(t, f, ctx, "r", "A", `{"a":1}`)
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":1}`), ChangeType: domain.ChangeFinalized}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":2}`)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("plain update of finalized report: %v", err)
	}
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":2}`), ChangeType: domain.ChangeCorrected, ChangeReason: "typo"}); err != nil {
		t.Fatalf("correction: %v", err)
	}
	if _, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":3}`), ChangeType: domain.ChangeRecalculated}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("finalized stays finalized after a correction: %v", err)
	}
	history, err := f.reports.GetVersionHistory(ctx, "r", "A")
	if err != nil || len(history) != 3 {
		t.Fatalf("history: %v %d", err, len(history))
	}
}

func TestVerifyChainIntegrity_Valid(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	createReport(t, f, ctx, "r", "A", `{"n":0}`)
	for _, c := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`} {
		updateReport(t, f, ctx, "r", "A", c)
	}
	res, err := f.reports.VerifyChainIntegrity(ctx, "r", "A")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Length != 5 || len(res.Errors) != 0 {
		t.Fatalf("expected valid chain of 5, got %+v", res)
	}

	history, err := f.reports.GetVersionHistory(ctx, "r", "A")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for i, v := range history {
		if v.VersionNumber != int64(i+1) {
			t.Fatalf("history must ascend, got %d at %d", v.VersionNumber, i)
		}
	}
}

type tamperingVersionStorage struct {
	*memstore.Store
	tamper func([]domain.ReportVersion)
}

func (s *tamperingVersionStorage) QueryVersions(ctx context.Context, filter usecase.VersionFilter) ([]domain.ReportVersion, error) {
	versions, err := s.Store.QueryVersions(ctx, filter)
	if err == nil && s.tamper != nil {
		s.tamper(versions)
	}
	return versions, err
}

func TestVerifyChainIntegrity_ReportsBreakAtK(t *testing.T) {
	store := memstore.New()
	tampering := &tamperingVersionStorage{Store: store}
	f := newFixtureWith(t, store, tampering)
	ctx := tenantCtx("A")
	createReport(t, f, ctx, "r", "A", `{"n":0}`)
	for _, c := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		updateReport(t, f, ctx, "r", "A", c)
	}

	tampering.tamper = func(versions []domain.ReportVersion) {
		versions[1].Content = doc(t, `{"n":"forged"}`)
	}
	res, err := f.reports.VerifyChainIntegrity(ctx, "r", "A")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain must not verify")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected content break at 2 and link break at 3, got %v", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[0], "version 2: content_hash mismatch") {
		t.Fatalf("unexpected first error %q", res.Errors[0])
	}
	if !strings.HasPrefix(res.Errors[1], "version 3: previous_hash") {
		t.Fatalf("unexpected second error %q", res.Errors[1])
	}

	tampering.tamper = func(versions []domain.ReportVersion) {
		versions[2].PreviousVersionID = "elsewhere"
		versions[3].VersionNumber = 7
	}
	res, err = f.reports.VerifyChainIntegrity(ctx, "r", "A")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(res.Errors) < 3 {
		t.Fatalf("every inconsistency must be collected, got %v", res.Errors)
	}
}

type tamperingHeadStorage struct {
	*memstore.Store
}

func (s *tamperingHeadStorage) LatestVersion(ctx context.Context, reportID, tenantID string) (*domain.ReportVersion, error) {
	head, err := s.Store.LatestVersion(ctx, reportID, tenantID)
	if head != nil {
		head.CreatedBy = "mallory"
	}
	return head, err
}

func TestUpdateReport_RefusesTamperedHead(t *testing.T) {
	store := memstore.New()
	f := newFixtureWith(t, store, &tamperingHeadStorage{Store: store})
	ctx := tenantCtx("A")
	createReport(t, f, ctx, "r", "A", `{"a":1}`)
	_, err := f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{ReportID: "r", TenantID: "A", Content: doc(t, `{"a":2}`)})
	if !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	v1 := createReport(t, f, ctx, "r", "A", `{"total_tax":10000,"status":"draft"}`)
	v2 := updateReport(t, f, ctx, "r", "A", `{"total_tax":12000,"status":"draft"}`)

	self, err := f.reports.CompareVersions(ctx, v1.ID, v1.ID)
	if err != nil {
		t.Fatalf("compare self: %v", err)
	}
	if self.HasChanges || len(self.Changes) != 0 {
		t.Fatalf("self comparison must be empty: %+v", self)
	}

	cmp, err := f.reports.CompareVersions(ctx, v1.ID, v2.ID)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !cmp.HasChanges || len(cmp.Changes) != 1 {
		t.Fatalf("expected one change, got %+v", cmp.Changes)
	}
	c := cmp.Changes[0]
	if c.Type != domain.DiffChanged || c.Path != "total_tax" || !c.OldValue.Equal(domain.Int(10000)) || !c.NewValue.Equal(domain.Int(12000)) {
		t.Fatalf("unexpected change %+v", c)
	}

	if _, err := f.reports.CompareVersions(ctx, v1.ID, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	vA := createReport(t, f, tenantCtx("A"), "report-123", "A", `{"owner":"A"}`)
	vB := createReport(t, f, tenantCtx("B"), "report-123", "B", `{"owner":"B"}`)
	if vA.VersionNumber != 1 || vB.VersionNumber != 1 {
		t.Fatal("each tenant gets its own chain")
	}

	latestA, err := f.reports.GetLatestVersion(tenantCtx("A"), "report-123", "A")
	if err != nil {
		t.Fatalf("latest A: %v", err)
	}
	owner, _ := latestA.Content.Get("owner")
	if s, _ := owner.Str(); s != "A" {
		t.Fatalf("tenant A saw %v", latestA.Content)
	}

	if _, err := f.reports.GetLatestVersion(tenantCtx("A"), "report-123", "B"); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("expected denial for tenant B, got %v", err)
	}
	if _, err := f.reports.GetVersion(tenantCtx("A"), vB.ID); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("expected denial for version of tenant B, got %v", err)
	}
	if _, err := f.reports.CompareVersions(tenantCtx("A"), vA.ID, vB.ID); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("compare across tenants must be denied, got %v", err)
	}
	if _, err := f.reports.UpdateReport(tenantCtx("A"), usecase.UpdateReportRequest{ReportID: "report-123", TenantID: "B"}); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("update across tenants must be denied, got %v", err)
	}
	if _, err := f.reports.GetVersionHistory(context.Background(), "report-123", "A"); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("missing scope must deny, got %v", err)
	}
	if _, err := f.reports.CompareVersions(adminCtx(), vA.ID, vB.ID); err != nil {
		t.Fatalf("platform admin may compare across tenants: %v", err)
	}
}

func TestReportMutationsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	v1 := createReport(t, f, ctx, "r", "A", `{"total_tax":10000,"status":"draft"}`)
	v2 := updateReport(t, f, ctx, "r", "A", `{"total_tax":12000,"status":"draft"}`)

	trail, err := f.audit.GetSubjectTrail(ctx, domain.SubjectTenant, "A")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected one audit entry per mutation, got %d", len(trail))
	}
	updated, created := trail[0], trail[1]
	if created.EventType != domain.EventReportCreated || updated.EventType != domain.EventReportUpdated {
		t.Fatalf("unexpected event types %s, %s", created.EventType, updated.EventType)
	}
	for _, e := range trail {
		if e.ResourceType != "report" || e.ResourceID != "r" || e.TenantID != "A" {
			t.Fatalf("unexpected resource on %+v", e)
		}
	}
	if len(updated.Changes) != 1 || updated.Changes[0].FieldPath() != "total_tax" {
		t.Fatalf("update entry must carry the diff, got %+v", updated.Changes)
	}
	if len(created.Changes) != 2 {
		t.Fatalf("create entry must list initial fields, got %+v", created.Changes)
	}
	versionID, _ := updated.NewValue.Get("version_id")
	if s, _ := versionID.Str(); s != v2.ID {
		t.Fatalf("update entry must reference the new version, got %v", versionID)
	}
	prevID, _ := updated.OldValue.Get("version_id")
	if s, _ := prevID.Str(); s != v1.ID {
		t.Fatalf("update entry must reference the old version, got %v", prevID)
	}
}

func TestSystemReportsAuditUnderSystemSubject(t *testing.T) {
	f := newFixture(t)
	createReport(t, f, adminCtx(), "r", "", `{}`)
	trail, err := f.audit.GetSubjectTrail(adminCtx(), domain.SubjectTenant, domain.SystemTenantID)
	if err != nil || len(trail) != 1 {
		t.Fatalf("expected system subject entry: %v %d", err, len(trail))
	}
	if _, err := f.reports.GetLatestVersion(tenantCtx("A"), "r", ""); !errors.Is(err, domain.ErrTenantAccessDenied) {
		t.Fatalf("tenant scope must not see tenantless reports, got %v", err)
	}
}

func TestCreateReport_RejectsInvalidUTF8(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	_, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{
		ReportID:   "r",
		ReportType: domain.ReportTaxReturn,
		TenantID:   "A",
		Content:    domain.Object(map[string]domain.Value{"account": domain.String("acct\xff")}),
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.reports.GetLatestVersion(ctx, "r", "A"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("nothing may be stored, got %v", err)
	}
}

type failingAuditedVersions struct {
	*memstore.Store
}

func (s *failingAuditedVersions) SaveAuditedVersion(context.Context, domain.ReportVersion, domain.AuditEntry, usecase.EntrySealer) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, errors.New("audit backend offline")
}

func TestCreateReport_AuditFailureStoresNothing(t *testing.T) {
	store := memstore.New()
	f := newFixtureWith(t, store, &failingAuditedVersions{Store: store})
	ctx := tenantCtx("A")
	_, err := f.reports.CreateReport(ctx, usecase.CreateReportRequest{ReportID: "r", ReportType: domain.ReportAdvisory, TenantID: "A"})
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if _, err := f.reports.GetLatestVersion(ctx, "r", "A"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no version may exist without its audit entry, got %v", err)
	}
	if !hasLog(f.hook, log.ErrorLevel, "report version not recorded") {
		t.Fatal("expected the failed write to be logged")
	}
}

func TestCreateReport_ConcurrentCreatesInOneTenant(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	const writers = 24
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.reports.CreateReport(ctx, usecase.CreateReportRequest{
				ReportID:   fmt.Sprintf("r-%d", i),
				ReportType: domain.ReportTaxReturn,
				TenantID:   "A",
				Content:    domain.Object(map[string]domain.Value{"writer": domain.Int(int64(i))}),
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	versions, err := f.store.CountVersions(ctx, usecase.VersionFilter{TenantID: usecase.StringPtr("A")})
	if err != nil {
		t.Fatalf("count versions: %v", err)
	}
	entries, err := f.store.CountEntries(ctx, usecase.AuditFilter{SubjectKind: domain.SubjectTenant, SubjectID: "A"})
	if err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if versions != writers || entries != writers {
		t.Fatalf("expected %d versions and entries, got %d and %d", writers, versions, entries)
	}
	res, err := f.audit.VerifySubjectChain(ctx, domain.SubjectTenant, "A")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("tenant chain must verify: %v", res.Errors)
	}
}

func TestUpdateReport_ConcurrentReportsInOneTenant(t *testing.T) {
	f := newFixture(t)
	ctx := tenantCtx("A")
	const reports = 8
	for i := 0; i < reports; i++ {
		createReport(t, f, ctx, fmt.Sprintf("r-%d", i), "A", `{"n":0}`)
	}

	var wg sync.WaitGroup
	errs := make([]error, reports*3)
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 1; n <= 3; n++ {
				_, errs[i*3+n-1] = f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{
					ReportID: fmt.Sprintf("r-%d", i),
					TenantID: "A",
					Content:  domain.Object(map[string]domain.Value{"n": domain.Int(int64(n))}),
				})
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	trail, err := f.audit.GetSubjectTrail(ctx, domain.SubjectTenant, "A")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != reports*4 {
		t.Fatalf("expected %d audit entries, got %d", reports*4, len(trail))
	}
	res, err := f.audit.VerifySubjectChain(ctx, domain.SubjectTenant, "A")
	if err != nil || !res.Valid {
		t.Fatalf("tenant chain must verify: %v %v", err, res.Errors)
	}
}

// barrierStorage holds every LatestVersion caller until all expected callers
// have read the same head.
type barrierStorage struct {
	*memstore.Store
	arrive sync.WaitGroup
}

func (s *barrierStorage) LatestVersion(ctx context.Context, reportID, tenantID string) (*domain.ReportVersion, error) {
	head, err := s.Store.LatestVersion(ctx, reportID, tenantID)
	s.arrive.Done()
	s.arrive.Wait()
	return head, err
}

func TestUpdateReport_ConcurrentUpdatersOneWins(t *testing.T) {
	store := memstore.New()
	barrier := &barrierStorage{Store: store}
	f := newFixtureWith(t, store, barrier)
	ctx := tenantCtx("A")

	if err := store.SaveVersion(ctx, sealedFirstVersion(t, "r", "A")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	barrier.arrive.Add(2)
	var wg sync.WaitGroup
	results := make([]domain.ReportVersion, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.reports.UpdateReport(ctx, usecase.UpdateReportRequest{
				ReportID: "r",
				TenantID: "A",
				Content:  domain.Object(map[string]domain.Value{"writer": domain.Int(int64(i))}),
			})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			if results[i].VersionNumber != 2 {
				t.Fatalf("winner must get version 2, got %d", results[i].VersionNumber)
			}
		case errors.Is(err, domain.ErrConcurrentVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
	}

	versions, err := store.QueryVersions(ctx, usecase.VersionFilter{ReportID: "r", TenantID: usecase.StringPtr("A")})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	seen := map[string]bool{}
	for _, v := range versions {
		if v.PreviousVersionID == "" {
			continue
		}
		if seen[v.PreviousVersionID] {
			t.Fatal("chain forked")
		}
		seen[v.PreviousVersionID] = true
	}
}

func sealedFirstVersion(t *testing.T, reportID, tenantID string) domain.ReportVersion {
	t.Helper()
	v := domain.ReportVersion{
		ID:            "seed-" + reportID,
		ReportID:      reportID,
		TenantID:      tenantID,
		VersionNumber: 1,
		ReportType:    domain.ReportTaxEstimate,
		Content:       doc(t, `{"writer":null}`),
		ChangeType:    domain.ChangeCreated,
	}
	v.ContentHash = hasher.Hash(v.Content)
	v.RecordHash = v.ComputeRecordHash(hasher)
	return v
}
