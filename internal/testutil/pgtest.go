// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
)

// Application tables created by the stores' Migrate methods. Cleanup
// truncates exactly these, never system tables.
var appTables = []string{
	"admin_roles",
	"admin_user_roles",
	"admin_users",
	"admin_sessions",
	"confirmation_tickets",
	"audit_records",
}

// PGTest opens a test database connection and returns the *sql.DB plus a
// cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is not set, the test is skipped. Callers run the Migrate
// method of the store under test themselves; the cleanup function truncates
// the application tables that exist.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

func truncateAll(ctx context.Context, db *sql.DB) {
	var existing []string
	for _, table := range appTables {
		var found bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&found)
		if err == nil && found {
			existing = append(existing, table)
		}
	}
	if len(existing) == 0 {
		return
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf(
		"TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(existing, ", ")))
}
