package memstore

import (
	"sync"
	"sync/atomic"

	"veritas/internal/usecase"
)

// Store is an in-memory RecordStorage. Records live in an arena keyed by id;
// each chain keeps its ordered ids behind an atomic pointer that is replaced,
// never modified, so reads take no locks. The chain mutex serializes only
// the check-and-publish of appends to that chain.
type Store struct {
	entries   sync.Map // id -> storedEntry
	versions  sync.Map // id -> storedVersion
	subjects  sync.Map // subjectKey -> *chain
	reports   sync.Map // reportKey -> *chain
	insertSeq atomic.Uint64
}

type chain struct {
	mu  sync.Mutex
	ids atomic.Pointer[[]string]
}

func (c *chain) snapshot() []string {
	if p := c.ids.Load(); p != nil {
		return *p
	}
	return nil
}

// publish must be called with c.mu held.
func (c *chain) publish(id string) {
	cur := c.snapshot()
	next := make([]string, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, id)
	c.ids.Store(&next)
}

func New() *Store {
	return &Store{}
}

func (s *Store) Close() error { return nil }

func chainFor(m *sync.Map, key any) *chain {
	if c, ok := m.Load(key); ok {
		return c.(*chain)
	}
	c, _ := m.LoadOrStore(key, &chain{})
	return c.(*chain)
}

func lookupChain(m *sync.Map, key any) *chain {
	if c, ok := m.Load(key); ok {
		return c.(*chain)
	}
	return nil
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

var _ usecase.RecordStorage = (*Store)(nil)
