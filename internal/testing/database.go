// Package testing holds shared test fixtures.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/scribe/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// It is limited to a single connection, so never hold rows open while
// issuing another query on it. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a migrated SQLite database in a temp directory.
// Use it when a test needs real concurrent connections (WAL, busy timeout).
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "scribe.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create file test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
