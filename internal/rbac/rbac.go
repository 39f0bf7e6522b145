// Package rbac defines the role and permission model for admin actions.
//
// Roles form a fixed, closed set. The mapping from role to permitted
// action kinds is process-wide configuration: loaded at startup, optionally
// re-synchronized into storage, never mutated mid-request. Authorization
// fails closed: an identity resolving to no role and no legacy superuser
// flag holds the empty permission set.
package rbac

import (
	"context"
)

// ActionKind is one of the state-changing operations exposed to operators.
type ActionKind string

const (
	ActionExtendSubscription ActionKind = "extend_subscription"
	ActionAdjustBalance      ActionKind = "adjust_balance"
	ActionBlockUser          ActionKind = "block_user"
	ActionUnblockUser        ActionKind = "unblock_user"
	ActionSyncRemote         ActionKind = "sync_remote"
)

// AllActionKinds lists every known action kind.
var AllActionKinds = []ActionKind{
	ActionExtendSubscription,
	ActionAdjustBalance,
	ActionBlockUser,
	ActionUnblockUser,
	ActionSyncRemote,
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionExtendSubscription, ActionAdjustBalance, ActionBlockUser,
		ActionUnblockUser, ActionSyncRemote:
		return true
	}
	return false
}

// Role is an admin role slug.
type Role string

const (
	RoleFullAccess Role = "full_access"
	RoleOperator   Role = "operator"
	RoleReadOnly   Role = "read_only"
)

// RoleDefinition describes a role for storage synchronization.
type RoleDefinition struct {
	Slug        Role
	Name        string
	Description string
}

// DefaultRoleDefinitions is the closed set of roles this deployment knows.
var DefaultRoleDefinitions = []RoleDefinition{
	{RoleFullAccess, "Full access", "All panel data plus every remote action, including user blocking."},
	{RoleOperator, "Operator", "Panel data plus the safe remote actions: extend, balance, sync."},
	{RoleReadOnly, "Read only", "Panel data only, no remote actions."},
}

// rolePermissions maps each role to its permitted action kinds.
// read_only intentionally grants nothing here: its capability is limited
// to the browsing surface, which is outside this subsystem.
var rolePermissions = map[Role]map[ActionKind]bool{
	RoleFullAccess: {
		ActionExtendSubscription: true,
		ActionAdjustBalance:      true,
		ActionBlockUser:          true,
		ActionUnblockUser:        true,
		ActionSyncRemote:         true,
	},
	RoleOperator: {
		ActionExtendSubscription: true,
		ActionAdjustBalance:      true,
		ActionSyncRemote:         true,
	},
	RoleReadOnly: {},
}

// PermissionSet is the set of action kinds an identity may submit.
type PermissionSet map[ActionKind]bool

// Allows reports whether the set contains the given action kind.
func (p PermissionSet) Allows(kind ActionKind) bool {
	return p[kind]
}

// Kinds returns the permitted kinds in unspecified order.
func (p PermissionSet) Kinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(p))
	for k := range p {
		kinds = append(kinds, k)
	}
	return kinds
}

// PermissionsFor merges the permissions granted by the given roles.
//
// The superuser flag is a compatibility shim from the previous admin
// schema: an identity carrying it is treated as holding full access even
// with no roles assigned. Keep this rule isolated here so removing it
// later does not touch callers.
func PermissionsFor(roles []Role, superuser bool) PermissionSet {
	perms := make(PermissionSet)
	if superuser {
		roles = append(roles, RoleFullAccess)
	}
	for _, role := range roles {
		for kind := range rolePermissions[role] {
			perms[kind] = true
		}
	}
	return perms
}

// HasFullAccess reports whether the identity effectively holds the
// full-access role (directly or via the legacy superuser flag).
// Full-access admins bypass the per-admin action throttle.
func HasFullAccess(roles []Role, superuser bool) bool {
	if superuser {
		return true
	}
	for _, role := range roles {
		if role == RoleFullAccess {
			return true
		}
	}
	return false
}

// Store provides read access to per-admin role assignments and lets the
// process push its role definitions into storage at startup.
type Store interface {
	// RolesFor returns the role slugs assigned to the given admin.
	RolesFor(ctx context.Context, adminID int64) ([]Role, error)
	// SyncDefinitions upserts the closed role set into storage so other
	// collaborators (the admin management UI) see current names.
	SyncDefinitions(ctx context.Context, defs []RoleDefinition) error
}
