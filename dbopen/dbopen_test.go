package dbopen_test

import (
	"path/filepath"
	"testing"

	"github.com/vendtrak/fleetsync/dbopen"
	_ "modernc.org/sqlite"
)

func TestOpen_File(t *testing.T) {
	// WHAT: Open creates a usable database file with pragmas applied.
	// WHY: The diag store depends on WAL mode for concurrent readers.
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: got %q, want wal", mode)
	}
}

func TestOpen_WithSchema(t *testing.T) {
	// WHAT: WithSchema executes DDL on open.
	// WHY: Callers rely on schema being in place before first query.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY)`))
	if _, err := db.Exec(`INSERT INTO t (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOpen_WithMkdirAll(t *testing.T) {
	// WHAT: WithMkdirAll creates missing parent directories.
	// WHY: First boot on a fresh host has no data directory yet.
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()
}
