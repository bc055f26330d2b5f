package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrate_UpDownVersion(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "journal.db")
	flags := []string{"--db-type", "sqlite", "--dsn", dsn}

	out, err := execute(t, append(flags, "version")...)
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "no migrations applied") {
		t.Errorf("version on empty db = %q", out)
	}

	out, err = execute(t, append(flags, "up")...)
	if err != nil {
		t.Fatalf("up error = %v", err)
	}
	if !strings.Contains(out, "version 2") {
		t.Errorf("up output = %q, want version 2", out)
	}

	out, err = execute(t, append(flags, "up")...)
	if err != nil {
		t.Fatalf("second up error = %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("second up output = %q", out)
	}

	out, err = execute(t, append(flags, "down")...)
	if err != nil {
		t.Fatalf("down error = %v", err)
	}
	if !strings.Contains(out, "version 1") {
		t.Errorf("down output = %q, want version 1", out)
	}
}

func TestMigrate_DefaultsToRelayDatabase(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "relay.db")
	t.Setenv("ATTENTIVE_DB_TYPE", "sqlite")
	t.Setenv("ATTENTIVE_DB", dsn)

	if _, err := execute(t, "up"); err != nil {
		t.Fatalf("up error = %v", err)
	}
	out, err := execute(t, "--dsn", dsn, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "version 2") {
		t.Errorf("version = %q, want version 2", out)
	}
}

func TestMigrate_Force(t *testing.T) {
	flags := []string{"--db-type", "sqlite", "--dsn", filepath.Join(t.TempDir(), "journal.db")}

	if _, err := execute(t, append(flags, "force", "nope")...); err == nil {
		t.Error("expected error for a non-numeric version")
	}
	out, err := execute(t, append(flags, "force", "1")...)
	if err != nil {
		t.Fatalf("force error = %v", err)
	}
	if !strings.Contains(out, "version 1") {
		t.Errorf("force output = %q", out)
	}
}

func TestMigrate_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("ATTENTIVE_DB_DSN", "")
	_, err := execute(t, "--db-type", "postgres", "version")
	if err == nil || !strings.Contains(err.Error(), "--dsn") {
		t.Errorf("error = %v, want missing dsn", err)
	}
}

func TestMigrate_InvalidRelayConfig(t *testing.T) {
	t.Setenv("ATTENTIVE_PORT", "not-a-port")
	if _, err := execute(t, "--dsn", filepath.Join(t.TempDir(), "x.db"), "version"); err == nil {
		t.Error("expected configuration error")
	}
}
