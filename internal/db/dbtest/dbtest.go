// Package dbtest provides shared helpers for creating journal databases in
// tests. The backend is controlled by ATTENTIVE_TEST_DB_TYPE ("sqlite" or
// "postgres").
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rjsadow/attentive/internal/db"
)

// testDBType returns the configured test database type (default: "sqlite").
func testDBType() string {
	if v := os.Getenv("ATTENTIVE_TEST_DB_TYPE"); v != "" {
		return v
	}
	return "sqlite"
}

// NewTestDB creates a migrated, empty journal database. SQLite databases
// live in t.TempDir(); Postgres uses ATTENTIVE_TEST_POSTGRES_DSN and is
// skipped when it is unset. Close is registered with t.Cleanup.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	switch dbType := testDBType(); dbType {
	case "sqlite":
		database, err := db.OpenDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("dbtest: failed to open SQLite database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		return database

	case "postgres":
		dsn := os.Getenv("ATTENTIVE_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("ATTENTIVE_TEST_POSTGRES_DSN not set; skipping Postgres test")
		}
		database, err := db.OpenDB("postgres", dsn)
		if err != nil {
			t.Fatalf("dbtest: failed to open Postgres database: %v", err)
		}
		t.Cleanup(func() { database.Close() })
		if _, err := database.ExecRaw(context.Background(), "TRUNCATE TABLE channel_messages, session_archives"); err != nil {
			t.Fatalf("dbtest: failed to truncate tables: %v", err)
		}
		return database

	default:
		t.Fatalf("unsupported ATTENTIVE_TEST_DB_TYPE: %s", dbType)
		return nil
	}
}
