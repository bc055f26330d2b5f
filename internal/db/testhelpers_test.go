package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// testDBType returns the configured test database type (default: "sqlite").
func testDBType() string {
	if v := os.Getenv("ATTENTIVE_TEST_DB_TYPE"); v != "" {
		return v
	}
	return "sqlite"
}

// newTestDatabase mirrors dbtest.NewTestDB inside the db package to avoid
// an import cycle (db -> dbtest -> db).
func newTestDatabase(t *testing.T) *DB {
	t.Helper()

	switch dbType := testDBType(); dbType {
	case "sqlite":
		database, err := OpenDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("failed to open SQLite test database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		return database

	case "postgres":
		dsn := os.Getenv("ATTENTIVE_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("ATTENTIVE_TEST_POSTGRES_DSN not set; skipping Postgres test")
		}
		database, err := OpenDB("postgres", dsn)
		if err != nil {
			t.Fatalf("failed to open Postgres test database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		if _, err := database.ExecRaw(context.Background(), "TRUNCATE TABLE channel_messages"); err != nil {
			t.Fatalf("failed to truncate channel_messages: %v", err)
		}
		return database

	default:
		t.Fatalf("unsupported ATTENTIVE_TEST_DB_TYPE: %s", dbType)
		return nil
	}
}
