package checkout

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	orders    map[string]*Order
	bySession map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderExists
	}
	if o.ProviderSession != "" {
		if _, ok := m.bySession[o.ProviderSession]; ok {
			return ErrOrderExists
		}
		m.bySession[o.ProviderSession] = o.ID
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) AttachSession(_ context.Context, id, sessionID, checkoutURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if other, ok := m.bySession[sessionID]; ok && other != id {
		return ErrOrderExists
	}
	if o.ProviderSession != "" {
		delete(m.bySession, o.ProviderSession)
	}
	o.ProviderSession = sessionID
	o.CheckoutURL = checkoutURL
	o.UpdatedAt = time.Now().UTC()
	m.bySession[sessionID] = id
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to OrderStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from {
		return ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusPaid {
		paidAt := at
		o.PaidAt = &paidAt
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []OrderStatus, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if len(statuses) > 0 && !slices.Contains(statuses, o.Status) {
			continue
		}
		result = append(result, copyOrder(o))
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

func copyOrder(o *Order) *Order {
	cp := *o
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
