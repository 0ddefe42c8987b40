package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesFileAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"updates", "snapshots", "mindchange", "meta"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after reopening: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/docs.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.db.Ping(); err != nil {
		t.Errorf("connection not usable: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	_ = s.Close()
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	cases := []struct {
		name, want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := verifyPragma(s, tc.name, tc.want); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestOpenWithOptions(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	s, err := OpenWithOptions(filepath.Join(t.TempDir(), "docs.db"), Options{
		Now:         func() time.Time { return fixed },
		BusyTimeout: 250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("OpenWithOptions() failed: %v", err)
	}
	defer s.Close()

	if err := verifyPragma(s, "busy_timeout", "250"); err != nil {
		t.Error(err)
	}

	_, updates := makeUpdates(t, 1)
	u, err := s.Append(context.Background(), "doc1", updates[0])
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !u.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want injected clock %v", u.CreatedAt, fixed)
	}
}

func TestMigrate_UpgradesVersionZeroDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := verifyPragma(s, "user_version", fmt.Sprint(schemaVersion())); err != nil {
		t.Error(err)
	}
	if !contains(getTableIndexes(t, s.db, "updates"), "idx_updates_doc_created") {
		t.Error("migration did not create idx_updates_doc_created")
	}
}

// Schema table tests

func TestSchema_Tables(t *testing.T) {
	s := createTestStore(t)

	cases := map[string][]string{
		"updates":    {"id", "doc_id", "seq", "data", "created_at"},
		"snapshots":  {"doc_id", "data", "seq", "updated_at"},
		"mindchange": {"doc_id", "edge_id", "forward_avg", "forward_count", "backward_avg", "backward_count"},
		"meta":       {"doc_id", "key", "value"},
	}
	for table, expected := range cases {
		columns := getTableColumns(t, s.db, table)
		for _, col := range expected {
			if !contains(columns, col) {
				t.Errorf("%s table missing column %q", table, col)
			}
		}
	}
}

func TestSchema_UpdatesIndexes(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "updates")
	for _, idx := range []string{"idx_updates_doc_seq", "idx_updates_doc_created"} {
		if !contains(indexes, idx) {
			t.Errorf("updates table missing index %q", idx)
		}
	}
}

func TestSchema_UserVersion(t *testing.T) {
	s := createTestStore(t)

	if err := verifyPragma(s, "user_version", "1"); err != nil {
		t.Error(err)
	}
}

// Constraint tests

func TestConstraint_UpdatesUniqueSeqPerDoc(t *testing.T) {
	s := createTestStore(t)

	insert := `INSERT INTO updates (id, doc_id, seq, data, created_at) VALUES (?, ?, ?, x'00', 0)`
	if _, err := s.db.Exec(insert, "u1", "doc1", 1); err != nil {
		t.Fatalf("failed to insert first update: %v", err)
	}
	if _, err := s.db.Exec(insert, "u2", "doc1", 1); err == nil {
		t.Error("expected UNIQUE constraint violation on (doc_id, seq), got nil")
	}
	if _, err := s.db.Exec(insert, "u3", "doc2", 1); err != nil {
		t.Errorf("same seq in another document should succeed: %v", err)
	}
}

func TestConstraint_MindchangePrimaryKey(t *testing.T) {
	s := createTestStore(t)

	insert := `INSERT INTO mindchange (doc_id, edge_id) VALUES ('doc1', 'e1')`
	if _, err := s.db.Exec(insert); err != nil {
		t.Fatalf("failed to insert mindchange: %v", err)
	}
	if _, err := s.db.Exec(insert); err == nil {
		t.Error("expected PRIMARY KEY violation, got nil")
	}
}

// Helpers

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

// verifyPragma checks that a pragma is set to the expected value.
func verifyPragma(s *Store, name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
