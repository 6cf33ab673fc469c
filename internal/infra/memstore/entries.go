package memstore

import (
	"context"
	"fmt"
	"sort"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

type subjectKey struct {
	kind string
	id   string
}

type storedEntry struct {
	seq   uint64
	entry domain.AuditEntry
}

func (s *Store) SaveEntry(ctx context.Context, entry domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := chainFor(&s.subjects, subjectKey{kind: entry.SubjectKind, id: entry.SubjectID})
	c.mu.Lock()
	defer c.mu.Unlock()

	head := s.entryHead(c)
	switch {
	case head == nil && (entry.Seq != 1 || entry.PreviousHash != ""):
		return fmt.Errorf("%w: subject %s/%s is empty", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID)
	case head != nil && (entry.Seq != head.Seq+1 || entry.PreviousHash != head.SignatureHash):
		return fmt.Errorf("%w: subject %s/%s head is seq %d", domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID, head.Seq)
	}
	return s.storeEntry(c, entry)
}

func (s *Store) AppendEntry(ctx context.Context, entry domain.AuditEntry, seal usecase.EntrySealer) (domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEntry{}, err
	}
	c := chainFor(&s.subjects, subjectKey{kind: entry.SubjectKind, id: entry.SubjectID})
	c.mu.Lock()
	defer c.mu.Unlock()

	s.linkEntry(c, &entry, seal)
	if err := s.storeEntry(c, entry); err != nil {
		return domain.AuditEntry{}, err
	}
	return copyEntry(entry), nil
}

// linkEntry must be called with c.mu held.
func (s *Store) linkEntry(c *chain, entry *domain.AuditEntry, seal usecase.EntrySealer) {
	entry.Seq = 1
	entry.PreviousHash = ""
	if head := s.entryHead(c); head != nil {
		entry.Seq = head.Seq + 1
		entry.PreviousHash = head.SignatureHash
	}
	if seal != nil {
		seal(entry)
	}
}

// storeEntry must be called with c.mu held.
func (s *Store) storeEntry(c *chain, entry domain.AuditEntry) error {
	stored := storedEntry{seq: s.insertSeq.Add(1), entry: copyEntry(entry)}
	if _, loaded := s.entries.LoadOrStore(entry.ID, stored); loaded {
		return fmt.Errorf("%w: entry %s", domain.ErrAlreadyExists, entry.ID)
	}
	c.publish(entry.ID)
	return nil
}

func (s *Store) entryHead(c *chain) *domain.AuditEntry {
	ids := c.snapshot()
	if len(ids) == 0 {
		return nil
	}
	e := s.loadEntry(ids[len(ids)-1])
	return &e
}

func (s *Store) GetEntry(ctx context.Context, id string) (domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEntry{}, err
	}
	v, ok := s.entries.Load(id)
	if !ok {
		return domain.AuditEntry{}, fmt.Errorf("%w: entry %s", domain.ErrNotFound, id)
	}
	return copyEntry(v.(storedEntry).entry), nil
}

func (s *Store) LatestEntry(ctx context.Context, subjectKind, subjectID string) (*domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := lookupChain(&s.subjects, subjectKey{kind: subjectKind, id: subjectID})
	if c == nil {
		return nil, nil
	}
	return s.entryHead(c), nil
}

func (s *Store) QueryEntries(ctx context.Context, filter usecase.AuditFilter) ([]domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var candidates []domain.AuditEntry
	if filter.SubjectKind != "" && filter.SubjectID != "" {
		if c := lookupChain(&s.subjects, subjectKey{kind: filter.SubjectKind, id: filter.SubjectID}); c != nil {
			for _, id := range c.snapshot() {
				candidates = append(candidates, s.loadEntry(id))
			}
		}
	} else {
		var stored []storedEntry
		s.entries.Range(func(_, v any) bool {
			stored = append(stored, v.(storedEntry))
			return true
		})
		sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })
		for _, st := range stored {
			candidates = append(candidates, copyEntry(st.entry))
		}
	}

	out := make([]domain.AuditEntry, 0, len(candidates))
	for _, e := range candidates {
		if matchEntry(filter, e) {
			out = append(out, e)
		}
	}
	return tail(out, filter.Limit), nil
}

func (s *Store) CountEntries(ctx context.Context, filter usecase.AuditFilter) (int, error) {
	filter.Limit = 0
	entries, err := s.QueryEntries(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) loadEntry(id string) domain.AuditEntry {
	v, _ := s.entries.Load(id)
	return copyEntry(v.(storedEntry).entry)
}

func matchEntry(f usecase.AuditFilter, e domain.AuditEntry) bool {
	if f.SubjectKind != "" && e.SubjectKind != f.SubjectKind {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.TenantID != nil && e.TenantID != *f.TenantID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

func copyEntry(e domain.AuditEntry) domain.AuditEntry {
	e.Changes = append([]domain.ChangeRecord(nil), e.Changes...)
	return e
}
