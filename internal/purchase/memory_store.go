package purchase

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory link record store for development and tests.
type MemoryStore struct {
	links         map[string]*Link
	byFingerprint map[string]string
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:         make(map[string]*Link),
		byFingerprint: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.ID]; ok {
		return ErrLinkExists
	}
	if _, ok := m.byFingerprint[l.Fingerprint]; ok {
		return ErrLinkExists
	}
	cp := *l
	m.links[l.ID] = &cp
	m.byFingerprint[l.Fingerprint] = l.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListByBusiness(_ context.Context, businessID string, limit int) ([]*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Link
	for _, l := range m.links {
		if businessID != "" && l.BusinessID != businessID {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
