package referral

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory referral code store for development and tests.
type MemoryStore struct {
	codes map[string]*Code
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory referral code store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*Code)}
}

func (m *MemoryStore) Create(_ context.Context, c *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[c.Code]; ok {
		return ErrCodeExists
	}
	cp := *c
	m.codes[c.Code] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, code string) (*Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Code, 0, len(m.codes))
	for _, c := range m.codes {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) IncrementRedemptions(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return ErrCodeNotFound
	}
	if c.MaxRedemptions > 0 && c.Redemptions >= c.MaxRedemptions {
		return ErrCodeExhausted
	}
	c.Redemptions++
	return nil
}

var _ Store = (*MemoryStore)(nil)
