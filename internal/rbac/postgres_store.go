package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore reads role assignments from the admin schema shared with
// the admin-management collaborator.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed role store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the role tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS admin_roles (
			id          SERIAL PRIMARY KEY,
			slug        VARCHAR(50) NOT NULL UNIQUE,
			name        VARCHAR(100) NOT NULL,
			description TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS admin_user_roles (
			admin_id BIGINT NOT NULL,
			role_id  INT NOT NULL REFERENCES admin_roles(id) ON DELETE CASCADE,
			PRIMARY KEY (admin_id, role_id)
		);
		CREATE INDEX IF NOT EXISTS idx_admin_user_roles_admin ON admin_user_roles(admin_id);
	`)
	return err
}

func (p *PostgresStore) RolesFor(ctx context.Context, adminID int64) ([]Role, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.slug FROM admin_roles r
		JOIN admin_user_roles ur ON ur.role_id = r.id
		WHERE ur.admin_id = $1
		ORDER BY r.slug
	`, adminID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []Role
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		roles = append(roles, Role(slug))
	}
	return roles, rows.Err()
}

// SyncDefinitions upserts the closed role set. Unknown rows already present
// in the table are left alone: assignment data is owned elsewhere.
func (p *PostgresStore) SyncDefinitions(ctx context.Context, defs []RoleDefinition) error {
	for _, def := range defs {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO admin_roles (slug, name, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (slug) DO UPDATE SET name = $2, description = $3
		`, string(def.Slug), def.Name, def.Description)
		if err != nil {
			return fmt.Errorf("sync role %s: %w", def.Slug, err)
		}
	}
	return nil
}
