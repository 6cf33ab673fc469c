package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"veritas/internal/domain"
	"veritas/internal/infra/crypto"
	"veritas/internal/usecase"
)

func (s *Store) SaveVersion(ctx context.Context, v domain.ReportVersion) error {
	if err := s.ready(); err != nil {
		return storageErr("save version", err)
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.saveVersionTx(tx, v)
	})
	if isDuplicate(err) {
		return versionDuplicate(v)
	}
	return storageErr("save version", err)
}

// SaveAuditedVersion inserts v and its audit entry in one transaction. The
// report chain lock is taken before the audit chain lock.
func (s *Store) SaveAuditedVersion(ctx context.Context, v domain.ReportVersion, entry domain.AuditEntry, seal usecase.EntrySealer) (domain.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return domain.AuditEntry{}, storageErr("save audited version", err)
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.saveVersionTx(tx, v); err != nil {
			return err
		}
		return s.appendEntryTx(tx, &entry, seal)
	})
	if isDuplicate(err) {
		return domain.AuditEntry{}, versionDuplicate(v)
	}
	if err != nil {
		return domain.AuditEntry{}, storageErr("save audited version", err)
	}
	return entry, nil
}

func (s *Store) saveVersionTx(tx *gorm.DB, v domain.ReportVersion) error {
	if err := s.lockChain(tx, reportLockKey(v.Key())); err != nil {
		return err
	}
	var head []ReportVersionModel
	if err := tx.Where("report_id = ? AND tenant_id = ?", v.ReportID, v.TenantID).
		Order("version_number DESC").Limit(1).Find(&head).Error; err != nil {
		return err
	}
	if len(head) == 0 {
		if v.VersionNumber != 1 || v.PreviousVersionID != "" {
			return fmt.Errorf("%w: report %s has no versions", domain.ErrConcurrentVersionConflict, v.ReportID)
		}
	} else {
		if v.VersionNumber == 1 {
			return fmt.Errorf("%w: report %s", domain.ErrAlreadyExists, v.ReportID)
		}
		if v.VersionNumber != head[0].VersionNumber+1 || v.PreviousVersionID != head[0].ID {
			return fmt.Errorf("%w: report %s head is version %d", domain.ErrConcurrentVersionConflict, v.ReportID, head[0].VersionNumber)
		}
	}
	model := versionModel(v)
	return tx.Create(&model).Error
}

func versionDuplicate(v domain.ReportVersion) error {
	if v.VersionNumber == 1 {
		return fmt.Errorf("%w: report %s", domain.ErrAlreadyExists, v.ReportID)
	}
	return fmt.Errorf("%w: report %s version %d", domain.ErrConcurrentVersionConflict, v.ReportID, v.VersionNumber)
}

func (s *Store) GetVersion(ctx context.Context, id string) (domain.ReportVersion, error) {
	if err := s.ready(); err != nil {
		return domain.ReportVersion{}, storageErr("get version", err)
	}
	var model ReportVersionModel
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ReportVersion{}, fmt.Errorf("%w: version %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.ReportVersion{}, storageErr("get version", err)
	}
	v, err := model.toDomain()
	return v, storageErr("decode version", err)
}

func (s *Store) LatestVersion(ctx context.Context, reportID, tenantID string) (*domain.ReportVersion, error) {
	if err := s.ready(); err != nil {
		return nil, storageErr("latest version", err)
	}
	var rows []ReportVersionModel
	if err := s.DB.WithContext(ctx).Where("report_id = ? AND tenant_id = ?", reportID, tenantID).
		Order("version_number DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, storageErr("latest version", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v, err := rows[0].toDomain()
	if err != nil {
		return nil, storageErr("decode version", err)
	}
	return &v, nil
}

func (s *Store) QueryVersions(ctx context.Context, filter usecase.VersionFilter) ([]domain.ReportVersion, error) {
	if err := s.ready(); err != nil {
		return nil, storageErr("query versions", err)
	}
	q := versionQuery(s.DB.WithContext(ctx), filter)
	if filter.Limit > 0 {
		q = q.Order("pos DESC").Limit(filter.Limit)
	} else {
		q = q.Order("pos ASC")
	}
	var rows []ReportVersionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("query versions", err)
	}
	if filter.Limit > 0 {
		reverse(rows)
	}
	out := make([]domain.ReportVersion, 0, len(rows))
	for _, row := range rows {
		v, err := row.toDomain()
		if err != nil {
			return nil, storageErr("decode version", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) CountVersions(ctx context.Context, filter usecase.VersionFilter) (int, error) {
	if err := s.ready(); err != nil {
		return 0, storageErr("count versions", err)
	}
	var n int64
	if err := versionQuery(s.DB.WithContext(ctx).Model(&ReportVersionModel{}), filter).Count(&n).Error; err != nil {
		return 0, storageErr("count versions", err)
	}
	return int(n), nil
}

func versionQuery(q *gorm.DB, f usecase.VersionFilter) *gorm.DB {
	if f.ReportID != "" {
		q = q.Where("report_id = ?", f.ReportID)
	}
	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if f.ReportType != "" {
		q = q.Where("report_type = ?", string(f.ReportType))
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	return q
}

func versionModel(v domain.ReportVersion) ReportVersionModel {
	return ReportVersionModel{
		ID:                v.ID,
		ReportID:          v.ReportID,
		TenantID:          v.TenantID,
		VersionNumber:     v.VersionNumber,
		ReportType:        string(v.ReportType),
		ContentJSON:       string(crypto.Canonicalize(v.Content)),
		ChangeType:        string(v.ChangeType),
		ChangeReason:      v.ChangeReason,
		SnapshotID:        v.SnapshotID,
		PreviousVersionID: v.PreviousVersionID,
		PreviousHash:      v.PreviousHash,
		ContentHash:       v.ContentHash,
		RecordHash:        v.RecordHash,
		CreatedBy:         v.CreatedBy,
		CreatedAt:         v.CreatedAt.UTC(),
	}
}

func (m ReportVersionModel) toDomain() (domain.ReportVersion, error) {
	content, err := domain.ParseJSON([]byte(m.ContentJSON))
	if err != nil {
		return domain.ReportVersion{}, fmt.Errorf("version %s content: %w", m.ID, err)
	}
	return domain.ReportVersion{
		ID:                m.ID,
		ReportID:          m.ReportID,
		TenantID:          m.TenantID,
		VersionNumber:     m.VersionNumber,
		ReportType:        domain.ReportType(m.ReportType),
		Content:           content,
		ChangeType:        domain.ChangeType(m.ChangeType),
		ChangeReason:      m.ChangeReason,
		SnapshotID:        m.SnapshotID,
		PreviousVersionID: m.PreviousVersionID,
		PreviousHash:      m.PreviousHash,
		ContentHash:       m.ContentHash,
		RecordHash:        m.RecordHash,
		CreatedBy:         m.CreatedBy,
		CreatedAt:         m.CreatedAt.UTC(),
	}, nil
}
