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

func (s *Store) SaveEntry(ctx context.Context, entry domain.AuditEntry) error {
	if err := s.ready(); err != nil {
		return storageErr("save entry", err)
	}
	model := entryModel(entry)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockChain(tx, subjectLockKey(entry.SubjectKind, entry.SubjectID)); err != nil {
			return err
		}
		head, err := entryHead(tx, entry.SubjectKind, entry.SubjectID)
		if err != nil {
			return err
		}
		switch {
		case head == nil && (entry.Seq != 1 || entry.PreviousHash != ""):
			return fmt.Errorf("%w: subject %s/%s is empty", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID)
		case head != nil && (entry.Seq != head.Seq+1 || entry.PreviousHash != head.SignatureHash):
			return fmt.Errorf("%w: subject %s/%s head is seq %d", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID, head.Seq)
		}
		return tx.Create(&model).Error
	})
	if isDuplicate(err) {
		return fmt.Errorf("%w: subject %s/%s seq %d", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID, entry.Seq)
	}
	return storageErr("save entry", err)
}

func (s *Store) AppendEntry(ctx context.Context, entry domain.AuditEntry, seal usecase.EntrySealer) (domain.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return domain.AuditEntry{}, storageErr("append entry", err)
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.appendEntryTx(tx, &entry, seal)
	})
	if isDuplicate(err) {
		return domain.AuditEntry{}, fmt.Errorf("%w: subject %s/%s seq %d", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID, entry.Seq)
	}
	if err != nil {
		return domain.AuditEntry{}, storageErr("append entry", err)
	}
	return entry, nil
}

// appendEntryTx links entry to the head of its subject chain, seals it and
// inserts it inside tx.
func (s *Store) appendEntryTx(tx *gorm.DB, entry *domain.AuditEntry, seal usecase.EntrySealer) error {
	if err := s.lockChain(tx, subjectLockKey(entry.SubjectKind, entry.SubjectID)); err != nil {
		return err
	}
	head, err := entryHead(tx, entry.SubjectKind, entry.SubjectID)
	if err != nil {
		return err
	}
	entry.Seq = 1
	entry.PreviousHash = ""
	if head != nil {
		entry.Seq = head.Seq + 1
		entry.PreviousHash = head.SignatureHash
	}
	if seal != nil {
		seal(entry)
	}
	model := entryModel(*entry)
	return tx.Create(&model).Error
}

func entryHead(tx *gorm.DB, subjectKind, subjectID string) (*AuditEntryModel, error) {
	var rows []AuditEntryModel
	if err := tx.Where("subject_kind = ? AND subject_id = ?", subjectKind, subjectID).
		Order("seq DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (domain.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return domain.AuditEntry{}, storageErr("get entry", err)
	}
	var model AuditEntryModel
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AuditEntry{}, fmt.Errorf("%w: entry %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.AuditEntry{}, storageErr("get entry", err)
	}
	entry, err := model.toDomain()
	return entry, storageErr("decode entry", err)
}

func (s *Store) LatestEntry(ctx context.Context, subjectKind, subjectID string) (*domain.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, storageErr("latest entry", err)
	}
	head, err := entryHead(s.DB.WithContext(ctx), subjectKind, subjectID)
	if err != nil {
		return nil, storageErr("latest entry", err)
	}
	if head == nil {
		return nil, nil
	}
	entry, err := head.toDomain()
	if err != nil {
		return nil, storageErr("decode entry", err)
	}
	return &entry, nil
}

func (s *Store) QueryEntries(ctx context.Context, filter usecase.AuditFilter) ([]domain.AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, storageErr("query entries", err)
	}
	q := entryQuery(s.DB.WithContext(ctx), filter)
	var rows []AuditEntryModel
	if filter.Limit > 0 {
		q = q.Order("pos DESC").Limit(filter.Limit)
	} else {
		q = q.Order("pos ASC")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("query entries", err)
	}
	if filter.Limit > 0 {
		reverse(rows)
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toDomain()
		if err != nil {
			return nil, storageErr("decode entry", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CountEntries(ctx context.Context, filter usecase.AuditFilter) (int, error) {
	if err := s.ready(); err != nil {
		return 0, storageErr("count entries", err)
	}
	var n int64
	if err := entryQuery(s.DB.WithContext(ctx).Model(&AuditEntryModel{}), filter).Count(&n).Error; err != nil {
		return 0, storageErr("count entries", err)
	}
	return int(n), nil
}

func entryQuery(q *gorm.DB, f usecase.AuditFilter) *gorm.DB {
	if f.SubjectKind != "" {
		q = q.Where("subject_kind = ?", f.SubjectKind)
	}
	if f.SubjectID != "" {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		q = q.Where("event_type IN ?", types)
	}
	if f.ActorUserID != "" {
		q = q.Where("actor_user_id = ?", f.ActorUserID)
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until.UTC())
	}
	return q
}

func entryModel(e domain.AuditEntry) AuditEntryModel {
	return AuditEntryModel{
		ID:            e.ID,
		SubjectKind:   e.SubjectKind,
		SubjectID:     e.SubjectID,
		Seq:           e.Seq,
		Timestamp:     e.Timestamp.UTC(),
		EventType:     string(e.EventType),
		Severity:      string(e.Severity),
		TenantID:      e.TenantID,
		ActorUserID:   e.ActorUserID,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		ChangesJSON:   string(crypto.Canonicalize(domain.ChangesValue(e.Changes))),
		OldValueJSON:  string(crypto.Canonicalize(e.OldValue)),
		NewValueJSON:  string(crypto.Canonicalize(e.NewValue)),
		MetadataJSON:  string(crypto.Canonicalize(e.Metadata)),
		Reason:        e.Reason,
		PreviousHash:  e.PreviousHash,
		SignatureHash: e.SignatureHash,
	}
}

func (m AuditEntryModel) toDomain() (domain.AuditEntry, error) {
	changesValue, err := domain.ParseJSON([]byte(m.ChangesJSON))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("entry %s changes: %w", m.ID, err)
	}
	changes, err := domain.ChangesFromValue(changesValue)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("entry %s changes: %w", m.ID, err)
	}
	oldValue, err := domain.ParseJSON([]byte(m.OldValueJSON))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("entry %s old_value: %w", m.ID, err)
	}
	newValue, err := domain.ParseJSON([]byte(m.NewValueJSON))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("entry %s new_value: %w", m.ID, err)
	}
	metadata, err := domain.ParseJSON([]byte(m.MetadataJSON))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("entry %s metadata: %w", m.ID, err)
	}
	return domain.AuditEntry{
		ID:            m.ID,
		Seq:           m.Seq,
		Timestamp:     m.Timestamp.UTC(),
		EventType:     domain.EventType(m.EventType),
		Severity:      domain.Severity(m.Severity),
		SubjectKind:   m.SubjectKind,
		SubjectID:     m.SubjectID,
		TenantID:      m.TenantID,
		ActorUserID:   m.ActorUserID,
		Action:        m.Action,
		ResourceType:  m.ResourceType,
		ResourceID:    m.ResourceID,
		Changes:       changes,
		OldValue:      oldValue,
		NewValue:      newValue,
		Metadata:      metadata,
		Reason:        m.Reason,
		PreviousHash:  m.PreviousHash,
		SignatureHash: m.SignatureHash,
	}, nil
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
