package identity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/botadmin/internal/rbac"
)

// Compile-time check that PostgresProvider implements Provider.
var _ Provider = (*PostgresProvider)(nil)

// PostgresProvider resolves sessions against the admin schema written by
// the login collaborator. Session tokens are stored hashed.
type PostgresProvider struct {
	db    *sql.DB
	roles rbac.Store
}

// NewPostgresProvider creates a provider reading admin_users and
// admin_sessions. roles must not be nil.
func NewPostgresProvider(db *sql.DB, roles rbac.Store) *PostgresProvider {
	return &PostgresProvider{db: db, roles: roles}
}

// Migrate creates the session tables if they don't exist. The login
// collaborator owns writes; this keeps fresh deployments bootable.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS admin_users (
			id           BIGSERIAL PRIMARY KEY,
			email        VARCHAR(255) NOT NULL UNIQUE,
			is_active    BOOLEAN NOT NULL DEFAULT TRUE,
			is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS admin_sessions (
			token_hash VARCHAR(64) PRIMARY KEY,
			admin_id   BIGINT NOT NULL REFERENCES admin_users(id) ON DELETE CASCADE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_admin_sessions_admin ON admin_sessions(admin_id);
	`)
	return err
}

func (p *PostgresProvider) Resolve(ctx context.Context, sessionToken string) (*AdminIdentity, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil, ErrNoSession
	}

	var (
		admin     AdminIdentity
		expiresAt time.Time
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.is_active, u.is_superuser, s.expires_at
		FROM admin_sessions s
		JOIN admin_users u ON u.id = s.admin_id
		WHERE s.token_hash = $1
	`, hashToken(sessionToken)).Scan(&admin.ID, &admin.Email, &admin.Active, &admin.Superuser, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	if time.Now().After(expiresAt) {
		return nil, ErrInvalidSession
	}
	if !admin.Active {
		return nil, ErrInactiveAdmin
	}

	roles, err := p.roles.RolesFor(ctx, admin.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	admin.Roles = roles

	return &admin, nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
