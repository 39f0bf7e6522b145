// Package identity resolves authenticated admin identities.
//
// Login and password checks happen in the external session collaborator;
// this package only maps an opaque session token to the AdminIdentity it
// belongs to. Role assignment is read through the rbac store at resolve
// time so a role change takes effect on the operator's next request.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/botadmin/internal/rbac"
)

// Errors
var (
	ErrNoSession      = errors.New("session token required")
	ErrInvalidSession = errors.New("invalid or expired session")
	ErrInactiveAdmin  = errors.New("admin account is deactivated")
)

// AdminIdentity represents an authenticated operator.
// Created and updated by the external admin-management collaborator;
// read-only to this subsystem.
type AdminIdentity struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	Roles     []rbac.Role `json:"roles"`
	Superuser bool        `json:"superuser"` // legacy flag, see rbac.PermissionsFor
	Active    bool        `json:"active"`
}

// Permissions returns the identity's permitted action kinds.
func (a *AdminIdentity) Permissions() rbac.PermissionSet {
	return rbac.PermissionsFor(a.Roles, a.Superuser)
}

// FullAccess reports whether the identity holds full access,
// directly or via the legacy superuser flag.
func (a *AdminIdentity) FullAccess() bool {
	return rbac.HasFullAccess(a.Roles, a.Superuser)
}

// Provider resolves session tokens to admin identities.
type Provider interface {
	Resolve(ctx context.Context, sessionToken string) (*AdminIdentity, error)
}

// session is one live login session in the memory provider.
type session struct {
	adminID   int64
	expiresAt time.Time
}

// MemoryProvider is an in-memory Provider for tests and databaseless
// deployments. Sessions are registered explicitly.
type MemoryProvider struct {
	mu       sync.RWMutex
	admins   map[int64]*AdminIdentity
	sessions map[string]session
	roles    rbac.Store
}

// NewMemoryProvider creates an empty provider. roles may be nil, in which
// case the roles stored on the registered identity are used as-is.
func NewMemoryProvider(roles rbac.Store) *MemoryProvider {
	return &MemoryProvider{
		admins:   make(map[int64]*AdminIdentity),
		sessions: make(map[string]session),
		roles:    roles,
	}
}

// Register adds an admin account.
func (p *MemoryProvider) Register(admin *AdminIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *admin
	p.admins[admin.ID] = &cp
}

// StartSession binds a token to an admin until expiry.
func (p *MemoryProvider) StartSession(token string, adminID int64, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[token] = session{adminID: adminID, expiresAt: time.Now().Add(ttl)}
}

func (p *MemoryProvider) Resolve(ctx context.Context, sessionToken string) (*AdminIdentity, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil, ErrNoSession
	}

	p.mu.RLock()
	sess, ok := p.sessions[sessionToken]
	var admin *AdminIdentity
	if ok {
		admin = p.admins[sess.adminID]
	}
	p.mu.RUnlock()

	if !ok || admin == nil || time.Now().After(sess.expiresAt) {
		return nil, ErrInvalidSession
	}
	if !admin.Active {
		return nil, ErrInactiveAdmin
	}

	cp := *admin
	if p.roles != nil {
		roles, err := p.roles.RolesFor(ctx, admin.ID)
		if err != nil {
			return nil, err
		}
		cp.Roles = roles
	}
	return &cp, nil
}
