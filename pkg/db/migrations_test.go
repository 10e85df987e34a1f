package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const migrationsTestPrefix = "db:migrations_test"

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("%s - failed to write %s: %v", migrationsTestPrefix, name, err)
		}
	}
}

func TestLoadMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"002_job_log.sql":   "CREATE TABLE job_log ();",
		"001_executors.sql": "CREATE TABLE executors ();",
		"README.md":         "# Migrations",
		"seed.json":         "{}",
	})
	// A directory with a .sql name is not a migration.
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatalf("%s - failed to create dir: %v", migrationsTestPrefix, err)
	}

	got, err := LoadMigrationFiles(dir)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	want := []Migration{
		{Name: "001_executors.sql", SQL: "CREATE TABLE executors ();"},
		{Name: "002_job_log.sql", SQL: "CREATE TABLE job_log ();"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s - migrations mismatch (-want +got):\n%s", migrationsTestPrefix, diff)
	}
}

func TestLoadMigrationFiles_Errors(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("%s - expected error for a missing dir", migrationsTestPrefix)
	}

	got, err := LoadMigrationFiles(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Errorf("%s - empty dir gave %v, %v", migrationsTestPrefix, got, err)
	}
}

func TestLoadMigrationFiles_ShippedSchema(t *testing.T) {
	got, err := LoadMigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	if len(got) == 0 || got[0].Name != "001_init.sql" {
		t.Errorf("%s - expected 001_init.sql first, got %v", migrationsTestPrefix, got)
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Name: "001.sql"}, {Name: "002.sql"}, {Name: "003.sql"}}
	tests := []struct {
		name    string
		applied map[string]bool
		want    []string
	}{
		{"fresh database", nil, []string{"001.sql", "002.sql", "003.sql"}},
		{"partially applied", map[string]bool{"001.sql": true}, []string{"002.sql", "003.sql"}},
		{"gap keeps order", map[string]bool{"002.sql": true}, []string{"001.sql", "003.sql"}},
		{"up to date", map[string]bool{"001.sql": true, "002.sql": true, "003.sql": true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range Pending(all, tt.applied) {
				got = append(got, m.Name)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("%s - pending mismatch (-want +got):\n%s", migrationsTestPrefix, diff)
			}
		})
	}
}
