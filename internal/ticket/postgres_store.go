package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/botadmin/internal/rbac"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists tickets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ticket table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS confirmation_tickets (
			id          VARCHAR(40) PRIMARY KEY,
			admin_id    BIGINT NOT NULL,
			kind        VARCHAR(40) NOT NULL,
			fingerprint CHAR(64) NOT NULL,
			reason      TEXT,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_confirmation_tickets_expires ON confirmation_tickets(expires_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO confirmation_tickets (id, admin_id, kind, fingerprint, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.AdminID, string(t.Kind), t.Fingerprint, t.Reason, t.CreatedAt, t.ExpiresAt,
	)
	return err
}

// Consume is a single DELETE ... RETURNING, so the row disappears for every
// concurrent consumer but one. On a miss it looks the row up once more to
// report why, tolerating the race where another consumer won in between.
func (p *PostgresStore) Consume(ctx context.Context, id, fingerprint string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM confirmation_tickets
		WHERE id = $1 AND fingerprint = $2 AND expires_at > NOW()
		RETURNING id, admin_id, kind, fingerprint, reason, created_at, expires_at`,
		id, fingerprint,
	)

	t, err := scanTicket(row)
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("consume ticket: %w", err)
	}

	var expiresAt time.Time
	var storedFingerprint string
	lookupErr := p.db.QueryRowContext(ctx,
		`SELECT fingerprint, expires_at FROM confirmation_tickets WHERE id = $1`, id,
	).Scan(&storedFingerprint, &expiresAt)
	switch {
	case lookupErr == sql.ErrNoRows:
		return nil, ErrNotFound
	case lookupErr != nil:
		return nil, fmt.Errorf("consume ticket: %w", lookupErr)
	case !expiresAt.After(time.Now()):
		return nil, ErrExpired
	case storedFingerprint != fingerprint:
		return nil, ErrMismatch
	default:
		return nil, ErrNotFound
	}
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM confirmation_tickets WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	var kind string
	err := row.Scan(&t.ID, &t.AdminID, &kind, &t.Fingerprint, &t.Reason, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	t.Kind = rbac.ActionKind(kind)
	return &t, nil
}
