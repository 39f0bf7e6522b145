package rbac

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory role assignment store for tests and
// databaseless deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	roles map[int64][]Role
	defs  []RoleDefinition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles: make(map[int64][]Role),
	}
}

// Assign sets the roles for an admin (test helper; assignment is owned by
// the external admin-management collaborator in production).
func (s *MemoryStore) Assign(adminID int64, roles ...Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[adminID] = append([]Role(nil), roles...)
}

func (s *MemoryStore) RolesFor(_ context.Context, adminID int64) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Role(nil), s.roles[adminID]...), nil
}

func (s *MemoryStore) SyncDefinitions(_ context.Context, defs []RoleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append([]RoleDefinition(nil), defs...)
	return nil
}

// Definitions returns the last synced definitions (for testing).
func (s *MemoryStore) Definitions() []RoleDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RoleDefinition(nil), s.defs...)
}
