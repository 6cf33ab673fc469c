package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"veritas/internal/domain"
	"veritas/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(kind, id string, seq int64, prev string, tenant string, ts time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		ID:            fmt.Sprintf("%s-%s-%d", kind, id, seq),
		Seq:           seq,
		Timestamp:     ts,
		EventType:     domain.EventFieldChange,
		Severity:      domain.SeverityInfo,
		SubjectKind:   kind,
		SubjectID:     id,
		TenantID:      tenant,
		PreviousHash:  prev,
		SignatureHash: fmt.Sprintf("sig-%s-%d", id, seq),
	}
}

func TestSaveEntry_ConditionalAppend(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	first := entryAt("session", "s1", 1, "", "A", now)
	require.NoError(t, s.SaveEntry(ctx, first))

	stale := entryAt("session", "s1", 1, "", "A", now)
	stale.ID = "other"
	err := s.SaveEntry(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrConcurrentVersionConflict)

	wrongPrev := entryAt("session", "s1", 2, "bogus", "A", now)
	assert.ErrorIs(t, s.SaveEntry(ctx, wrongPrev), domain.ErrConcurrentVersionConflict)

	second := entryAt("session", "s1", 2, first.SignatureHash, "A", now)
	require.NoError(t, s.SaveEntry(ctx, second))

	head, err := s.LatestEntry(ctx, "session", "s1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, second.ID, head.ID)

	none, err := s.LatestEntry(ctx, "session", "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueryEntries_FiltersAndLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	prevA, prevB := "", ""
	for i := 1; i <= 4; i++ {
		a := entryAt("session", "a", int64(i), prevA, "A", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.SaveEntry(ctx, a))
		prevA = a.SignatureHash
		b := entryAt("session", "b", int64(i), prevB, "B", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.SaveEntry(ctx, b))
		prevB = b.SignatureHash
	}

	all, err := s.QueryEntries(ctx, usecase.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 8)
	assert.Equal(t, "session-a-1", all[0].ID)
	assert.Equal(t, "session-b-4", all[7].ID)

	tenantB, err := s.QueryEntries(ctx, usecase.AuditFilter{TenantID: usecase.StringPtr("B")})
	require.NoError(t, err)
	assert.Len(t, tenantB, 4)

	recent, err := s.QueryEntries(ctx, usecase.AuditFilter{SubjectKind: "session", SubjectID: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].Seq)
	assert.Equal(t, int64(4), recent[1].Seq)

	ranged, err := s.QueryEntries(ctx, usecase.AuditFilter{
		SubjectKind: "session", SubjectID: "a",
		Since: base.Add(2 * time.Hour), Until: base.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	count, err := s.CountEntries(ctx, usecase.AuditFilter{TenantID: usecase.StringPtr("A"), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestGetEntry_NotFound(t *testing.T) {
	_, err := New().GetEntry(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func version(reportID, tenant string, n int64, prevID string) domain.ReportVersion {
	return domain.ReportVersion{
		ID:                fmt.Sprintf("%s-%s-v%d", reportID, tenant, n),
		ReportID:          reportID,
		TenantID:          tenant,
		VersionNumber:     n,
		ReportType:        domain.ReportTaxReturn,
		PreviousVersionID: prevID,
		CreatedAt:         time.Now(),
	}
}

func TestSaveVersion_ChainRules(t *testing.T) {
	ctx := context.Background()
	s := New()

	v1 := version("r", "A", 1, "")
	require.NoError(t, s.SaveVersion(ctx, v1))
	assert.ErrorIs(t, s.SaveVersion(ctx, version("r", "A", 1, "")), domain.ErrAlreadyExists)
	assert.ErrorIs(t, s.SaveVersion(ctx, version("r", "A", 3, v1.ID)), domain.ErrConcurrentVersionConflict)
	assert.ErrorIs(t, s.SaveVersion(ctx, version("r", "A", 2, "wrong")), domain.ErrConcurrentVersionConflict)
	require.NoError(t, s.SaveVersion(ctx, version("r", "A", 2, v1.ID)))

	// Same report id under another tenant is an independent chain.
	require.NoError(t, s.SaveVersion(ctx, version("r", "B", 1, "")))

	headA, err := s.LatestVersion(ctx, "r", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), headA.VersionNumber)
	headB, err := s.LatestVersion(ctx, "r", "B")
	require.NoError(t, err)
	assert.Equal(t, "B", headB.TenantID)
	assert.Equal(t, int64(1), headB.VersionNumber)

	n, err := s.CountVersions(ctx, usecase.VersionFilter{ReportID: "r"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSaveVersion_ConcurrentAppendsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	v1 := version("r", "A", 1, "")
	require.NoError(t, s.SaveVersion(ctx, v1))

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := version("r", "A", 2, v1.ID)
			v.ID = fmt.Sprintf("candidate-%d", i)
			errs[i] = s.SaveVersion(ctx, v)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrConcurrentVersionConflict), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)

	history, err := s.QueryVersions(ctx, usecase.VersionFilter{ReportID: "r", TenantID: usecase.StringPtr("A")})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSaveEntry_DifferentSubjectsInParallel(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prev := ""
			for seq := int64(1); seq <= 20; seq++ {
				e := entryAt("session", fmt.Sprintf("s%d", i), seq, prev, "", time.Now())
				if err := s.SaveEntry(ctx, e); err != nil {
					t.Errorf("append %d/%d: %v", i, seq, err)
					return
				}
				prev = e.SignatureHash
			}
		}(i)
	}
	wg.Wait()
	n, err := s.CountEntries(ctx, usecase.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 160, n)
}

func signBySeq(e *domain.AuditEntry) {
	e.SignatureHash = fmt.Sprintf("sig-%s-%d", e.SubjectID, e.Seq)
}

func TestAppendEntry_LinksUnderChainLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := domain.AuditEntry{ID: fmt.Sprintf("e-%d", i), SubjectKind: "session", SubjectID: "busy", Seq: 99, PreviousHash: "stale"}
			if _, err := s.AppendEntry(ctx, e, signBySeq); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	chain, err := s.QueryEntries(ctx, usecase.AuditFilter{SubjectKind: "session", SubjectID: "busy"})
	require.NoError(t, err)
	require.Len(t, chain, writers)
	for i, e := range chain {
		assert.Equal(t, int64(i+1), e.Seq)
		if i == 0 {
			assert.Empty(t, e.PreviousHash)
			continue
		}
		assert.Equal(t, chain[i-1].SignatureHash, e.PreviousHash)
	}
}

func TestAppendEntry_DuplicateID(t *testing.T) {
	ctx := context.Background()
	s := New()
	first, err := s.AppendEntry(ctx, domain.AuditEntry{ID: "e", SubjectKind: "session", SubjectID: "s"}, signBySeq)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "sig-s-1", first.SignatureHash)

	_, err = s.AppendEntry(ctx, domain.AuditEntry{ID: "e", SubjectKind: "session", SubjectID: "s"}, signBySeq)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	n, err := s.CountEntries(ctx, usecase.AuditFilter{SubjectID: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveAuditedVersion_StoresBoth(t *testing.T) {
	ctx := context.Background()
	s := New()
	v1 := version("r", "A", 1, "")
	entry, err := s.SaveAuditedVersion(ctx, v1, domain.AuditEntry{ID: "a-1", SubjectKind: "tenant", SubjectID: "A"}, signBySeq)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)

	_, err = s.SaveAuditedVersion(ctx, version("r", "A", 1, ""), domain.AuditEntry{ID: "a-2", SubjectKind: "tenant", SubjectID: "A"}, signBySeq)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = s.SaveAuditedVersion(ctx, version("r", "A", 2, "wrong"), domain.AuditEntry{ID: "a-3", SubjectKind: "tenant", SubjectID: "A"}, signBySeq)
	assert.ErrorIs(t, err, domain.ErrConcurrentVersionConflict)

	entry, err = s.SaveAuditedVersion(ctx, version("r", "A", 2, v1.ID), domain.AuditEntry{ID: "a-4", SubjectKind: "tenant", SubjectID: "A"}, signBySeq)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Seq)
	assert.Equal(t, "sig-A-1", entry.PreviousHash)

	entries, err := s.CountEntries(ctx, usecase.AuditFilter{SubjectKind: "tenant", SubjectID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 2, entries, "rejected versions must leave no entry")
}

func TestSaveAuditedVersion_EntryCollisionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveEntry(ctx, entryAt("tenant", "A", 1, "", "A", time.Now())))

	v := version("r", "A", 1, "")
	_, err := s.SaveAuditedVersion(ctx, v, domain.AuditEntry{ID: "tenant-A-1", SubjectKind: "tenant", SubjectID: "A"}, signBySeq)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	head, err := s.LatestVersion(ctx, "r", "A")
	require.NoError(t, err)
	assert.Nil(t, head)
	_, err = s.GetVersion(ctx, v.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveAuditedVersion_ManyReportsOneTenant(t *testing.T) {
	ctx := context.Background()
	s := New()
	const reports = 16
	var wg sync.WaitGroup
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := version(fmt.Sprintf("r-%d", i), "A", 1, "")
			e := domain.AuditEntry{ID: fmt.Sprintf("a-%d", i), SubjectKind: "tenant", SubjectID: "A"}
			if _, err := s.SaveAuditedVersion(ctx, v, e, signBySeq); err != nil {
				t.Errorf("report %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	versions, err := s.CountVersions(ctx, usecase.VersionFilter{TenantID: usecase.StringPtr("A")})
	require.NoError(t, err)
	entries, err := s.CountEntries(ctx, usecase.AuditFilter{SubjectKind: "tenant", SubjectID: "A"})
	require.NoError(t, err)
	assert.Equal(t, reports, versions)
	assert.Equal(t, reports, entries)

	head, err := s.LatestEntry(ctx, "tenant", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(reports), head.Seq)
}
