package migrator

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

func baseFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_create_users.sql": file(`-- +migrate Up
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
`),
		"migrations/002_create_posts.sql": file(`-- +migrate Up
-- +migrate Depends: 001
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id));
`),
		"migrations/README.md": file("not a migration"),
	}
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	m, err := ParseMigration("001_create_users.sql", []byte("-- +migrate Up\nCREATE TABLE users (id INTEGER);\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Name != "create_users" {
		t.Errorf("expected name 'create_users', got '%s'", m.Name)
	}
	if m.UpSQL != "CREATE TABLE users (id INTEGER);" {
		t.Errorf("unexpected UpSQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected NoTransaction to be false")
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", m.Dependencies)
	}
}

func TestParseMigration_MultipleDependencies(t *testing.T) {
	m, err := ParseMigration("003_add_status.sql", []byte("-- +migrate Up\n-- +migrate Depends: 001 002\n\nALTER TABLE users ADD COLUMN status TEXT;\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Dependencies) != 2 || m.Dependencies[0] != 1 || m.Dependencies[1] != 2 {
		t.Errorf("expected dependencies [1 2], got %v", m.Dependencies)
	}
	if !strings.HasPrefix(m.UpSQL, "ALTER TABLE") {
		t.Errorf("expected SQL after directives, got %q", m.UpSQL)
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	m, err := ParseMigration("001_index.sql", []byte("-- +migrate Up notransaction\nCREATE INDEX idx ON users(name);\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.NoTransaction {
		t.Error("expected NoTransaction to be true")
	}
}

func TestParseMigration_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     string
	}{
		{"bad filename", "1_users.sql", "-- +migrate Up\nSELECT 1;", "invalid migration filename"},
		{"missing marker", "001_users.sql", "CREATE TABLE users (id INTEGER);", "missing '-- +migrate Up' marker"},
		{"empty sql", "001_users.sql", "-- +migrate Up\n-- nothing here\n", "contains no SQL"},
		{"empty depends", "002_users.sql", "-- +migrate Up\n-- +migrate Depends:\nSELECT 1;", "empty dependency list"},
		{"bad depends", "002_users.sql", "-- +migrate Up\n-- +migrate Depends: one\nSELECT 1;", "invalid dependency version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations_SortsAndSkipsNonMigrations(t *testing.T) {
	migrations, err := LoadMigrations(baseFS(), "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("expected versions [1 2], got [%d %d]", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_Gap(t *testing.T) {
	fsys := baseFS()
	fsys["migrations/004_late.sql"] = file("-- +migrate Up\nSELECT 1;\n")

	_, err := LoadMigrations(fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "gap in migration versions") {
		t.Errorf("expected gap error, got %v", err)
	}
}

func TestLoadMigrations_MissingDependency(t *testing.T) {
	fsys := baseFS()
	fsys["migrations/003_orphan.sql"] = file("-- +migrate Up\n-- +migrate Depends: 009\nSELECT 1;\n")

	_, err := LoadMigrations(fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "non-existent version 9") {
		t.Errorf("expected missing dependency error, got %v", err)
	}
}

func TestLoadMigrations_Cycle(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 002\nSELECT 1;\n"),
		"m/002_b.sql": file("-- +migrate Up\n-- +migrate Depends: 001\nSELECT 1;\n"),
	}

	_, err := LoadMigrations(fsys, "m")
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestLoadMigrations_MissingDirectory(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{}, "migrations")
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_AppliesAll(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, table := range []string{"schema_migrations", "users", "posts"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
			t.Fatalf("run %d: unexpected error: %v", i+1, err)
		}
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %v", applied)
	}
}

func TestRunMigrations_Incremental(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fsys := baseFS()
	fsys["migrations/003_create_tags.sql"] = file("-- +migrate Up\nCREATE TABLE tags (id INTEGER PRIMARY KEY);\n")
	if err := RunMigrations(db, fsys, "migrations"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !tableExists(t, db, "tags") {
		t.Error("expected table tags to exist")
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := setupTestDB(t)

	fsys := baseFS()
	fsys["migrations/003_broken.sql"] = file("-- +migrate Up\nCREATE TABLE broken (id INTEGER);\nNOT VALID SQL;\n")

	err := RunMigrations(db, fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "failed to apply migration 3") {
		t.Fatalf("expected apply failure, got %v", err)
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after failure, got %d", version)
	}
}

func TestGetCurrentVersion_NoTable(t *testing.T) {
	db := setupTestDB(t)

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}
