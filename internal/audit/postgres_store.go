package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/botadmin/internal/pagination"
	"github.com/mbd888/botadmin/internal/rbac"
)

// Compile-time check that PostgresStore implements Logger.
var _ Logger = (*PostgresStore)(nil)

// PostgresStore persists audit records in PostgreSQL. The table has no
// UPDATE or DELETE path in this codebase.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id         VARCHAR(40) PRIMARY KEY,
			time       TIMESTAMPTZ NOT NULL,
			admin_id   BIGINT NOT NULL,
			action     VARCHAR(40) NOT NULL,
			target     VARCHAR(255),
			params     JSONB,
			outcome    VARCHAR(20) NOT NULL,
			result_ref TEXT,
			error_kind VARCHAR(40),
			request_id VARCHAR(40),
			ip         VARCHAR(45)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_records_time ON audit_records(time DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_records_admin ON audit_records(admin_id);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, r *Record) error {
	params := []byte(r.Params)
	if params == nil {
		params = []byte("null")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, time, admin_id, action, target, params,
		                           outcome, result_ref, error_kind, request_id, ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Time, r.AdminID, string(r.Action), r.Target, params,
		string(r.Outcome), r.ResultRef, r.ErrorKind, r.RequestID, r.IP,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.AdminID != 0 {
		conds = append(conds, "admin_id = "+arg(q.AdminID))
	}
	if q.Action != "" {
		conds = append(conds, "action = "+arg(string(q.Action)))
	}
	if q.Outcome != "" {
		conds = append(conds, "outcome = "+arg(string(q.Outcome)))
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(time, id) < (%s, %s)",
			arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	query := `SELECT id, time, admin_id, action, target, params, outcome,
	                 result_ref, error_kind, request_id, ip
	          FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY time DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var r Record
		var action, outcome string
		var target, resultRef, errorKind, requestID, ip sql.NullString
		var params []byte
		if err := rows.Scan(&r.ID, &r.Time, &r.AdminID, &action, &target, &params,
			&outcome, &resultRef, &errorKind, &requestID, &ip); err != nil {
			return nil, "", err
		}
		r.Action = rbac.ActionKind(action)
		r.Outcome = Outcome(outcome)
		r.Target = target.String
		r.ResultRef = resultRef.String
		r.ErrorKind = errorKind.String
		r.RequestID = requestID.String
		r.IP = ip.String
		if string(params) != "null" {
			r.Params = params
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.Time, r.ID
	})
	return page, next, nil
}
