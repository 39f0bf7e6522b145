package ticket

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory ticket store for demo/development mode.
type MemoryStore struct {
	tickets map[string]*Ticket
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

// Consume holds the store lock across check and delete, so two racing
// consumers of the same ticket resolve to exactly one winner.
func (m *MemoryStore) Consume(ctx context.Context, id, fingerprint string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Expired(time.Now().UTC()) {
		delete(m.tickets, id)
		return nil, ErrExpired
	}
	if t.Fingerprint != fingerprint {
		// Leave the ticket in place: the matching request may still come.
		return nil, ErrMismatch
	}
	delete(m.tickets, id)
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tickets {
		if t.ExpiresAt.Before(before) {
			delete(m.tickets, id)
			removed++
		}
	}
	return removed, nil
}
