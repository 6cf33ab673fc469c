package memstore

import (
	"context"
	"fmt"
	"sort"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

type storedVersion struct {
	seq     uint64
	version domain.ReportVersion
}

func (s *Store) SaveVersion(ctx context.Context, v domain.ReportVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := chainFor(&s.reports, v.Key())
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.checkVersionHead(c, v); err != nil {
		return err
	}
	return s.storeVersion(c, v)
}

// SaveAuditedVersion locks the report chain before the audit chain. No other
// path takes both locks, so the order cannot invert.
func (s *Store) SaveAuditedVersion(ctx context.Context, v domain.ReportVersion, entry domain.AuditEntry, seal usecase.EntrySealer) (domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEntry{}, err
	}
	rc := chainFor(&s.reports, v.Key())
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := s.checkVersionHead(rc, v); err != nil {
		return domain.AuditEntry{}, err
	}

	ac := chainFor(&s.subjects, subjectKey{kind: entry.SubjectKind, id: entry.SubjectID})
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if _, taken := s.entries.Load(entry.ID); taken {
		return domain.AuditEntry{}, fmt.Errorf("%w: entry %s", domain.ErrAlreadyExists, entry.ID)
	}
	s.linkEntry(ac, &entry, seal)

	stored := storedVersion{seq: s.insertSeq.Add(1), version: v}
	if _, loaded := s.versions.LoadOrStore(v.ID, stored); loaded {
		return domain.AuditEntry{}, fmt.Errorf("%w: version %s", domain.ErrAlreadyExists, v.ID)
	}
	if err := s.storeEntry(ac, entry); err != nil {
		s.versions.Delete(v.ID)
		return domain.AuditEntry{}, err
	}
	rc.publish(v.ID)
	return copyEntry(entry), nil
}

// checkVersionHead must be called with c.mu held.
func (s *Store) checkVersionHead(c *chain, v domain.ReportVersion) error {
	ids := c.snapshot()
	if len(ids) == 0 {
		if v.VersionNumber != 1 || v.PreviousVersionID != "" {
			return fmt.Errorf("%w: report %s has no versions", domain.ErrConcurrentVersionConflict, v.ReportID)
		}
		return nil
	}
	head := s.loadVersion(ids[len(ids)-1])
	if v.VersionNumber == 1 {
		return fmt.Errorf("%w: report %s", domain.ErrAlreadyExists, v.ReportID)
	}
	if v.VersionNumber != head.VersionNumber+1 || v.PreviousVersionID != head.ID {
		return fmt.Errorf("%w: report %s head is version %d", domain.ErrConcurrentVersionConflict, v.ReportID, head.VersionNumber)
	}
	return nil
}

// storeVersion must be called with c.mu held.
func (s *Store) storeVersion(c *chain, v domain.ReportVersion) error {
	stored := storedVersion{seq: s.insertSeq.Add(1), version: v}
	if _, loaded := s.versions.LoadOrStore(v.ID, stored); loaded {
		return fmt.Errorf("%w: version %s", domain.ErrAlreadyExists, v.ID)
	}
	c.publish(v.ID)
	return nil
}

func (s *Store) GetVersion(ctx context.Context, id string) (domain.ReportVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReportVersion{}, err
	}
	v, ok := s.versions.Load(id)
	if !ok {
		return domain.ReportVersion{}, fmt.Errorf("%w: version %s", domain.ErrNotFound, id)
	}
	return v.(storedVersion).version, nil
}

func (s *Store) LatestVersion(ctx context.Context, reportID, tenantID string) (*domain.ReportVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := lookupChain(&s.reports, domain.ChainKey{ReportID: reportID, TenantID: tenantID})
	if c == nil {
		return nil, nil
	}
	ids := c.snapshot()
	if len(ids) == 0 {
		return nil, nil
	}
	v := s.loadVersion(ids[len(ids)-1])
	return &v, nil
}

func (s *Store) QueryVersions(ctx context.Context, filter usecase.VersionFilter) ([]domain.ReportVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var candidates []domain.ReportVersion
	if filter.ReportID != "" && filter.TenantID != nil {
		if c := lookupChain(&s.reports, domain.ChainKey{ReportID: filter.ReportID, TenantID: *filter.TenantID}); c != nil {
			for _, id := range c.snapshot() {
				candidates = append(candidates, s.loadVersion(id))
			}
		}
	} else {
		var stored []storedVersion
		s.versions.Range(func(_, v any) bool {
			stored = append(stored, v.(storedVersion))
			return true
		})
		sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })
		for _, st := range stored {
			candidates = append(candidates, st.version)
		}
	}

	out := make([]domain.ReportVersion, 0, len(candidates))
	for _, v := range candidates {
		if matchVersion(filter, v) {
			out = append(out, v)
		}
	}
	return tail(out, filter.Limit), nil
}

func (s *Store) CountVersions(ctx context.Context, filter usecase.VersionFilter) (int, error) {
	filter.Limit = 0
	versions, err := s.QueryVersions(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(versions), nil
}

func (s *Store) loadVersion(id string) domain.ReportVersion {
	v, _ := s.versions.Load(id)
	return v.(storedVersion).version
}

func matchVersion(f usecase.VersionFilter, v domain.ReportVersion) bool {
	if f.ReportID != "" && v.ReportID != f.ReportID {
		return false
	}
	if f.TenantID != nil && v.TenantID != *f.TenantID {
		return false
	}
	if f.ReportType != "" && v.ReportType != f.ReportType {
		return false
	}
	if !f.Since.IsZero() && v.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
