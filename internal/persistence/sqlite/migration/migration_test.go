package migration

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewConnectionManager(InMemoryTestSQLiteConfig()).GetConnection()
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanMigrations(t *testing.T) {
	t.Parallel()

	t.Run("sorts by numeric version and ignores other files", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{
			"m/10_later.sql":   {Data: []byte("CREATE TABLE b (id TEXT);")},
			"m/2_first.sql":    {Data: []byte("CREATE TABLE a (id TEXT);")},
			"m/README.md":      {Data: []byte("notes")},
			"m/sub/3_skip.sql": {Data: []byte("CREATE TABLE c (id TEXT);")},
		}
		got, err := NewScanner(fsys, "m").ScanMigrations()
		if err != nil {
			t.Fatalf("ScanMigrations failed: %v", err)
		}
		if len(got) != 2 || got[0].Version != "2" || got[1].Version != "10" {
			t.Fatalf("unexpected order: %+v", got)
		}
		if got[0].Description != "first" || got[0].Checksum == "" {
			t.Fatalf("unexpected metadata: %+v", got[0])
		}
	})

	t.Run("rejects bad names", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{"m/initial.sql": {Data: []byte("SELECT 1;")}}
		_, err := NewScanner(fsys, "m").ScanMigrations()
		if !errors.Is(err, ErrInvalidMigrationFile) {
			t.Fatalf("expected ErrInvalidMigrationFile, got %v", err)
		}
	})

	t.Run("rejects duplicate versions", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{
			"m/001_a.sql": {Data: []byte("SELECT 1;")},
			"m/1_b.sql":   {Data: []byte("SELECT 2;")},
		}
		_, err := NewScanner(fsys, "m").ScanMigrations()
		if !errors.Is(err, ErrDuplicateVersion) {
			t.Fatalf("expected ErrDuplicateVersion, got %v", err)
		}
	})
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- header\nCREATE TABLE a (id TEXT);\n\n  CREATE INDEX idx_a ON a (id);\n-- trailing\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if !strings.HasPrefix(got[1], "CREATE INDEX") {
		t.Fatalf("unexpected second statement %q", got[1])
	}
}

func TestManagerRunMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies pending migrations once", func(t *testing.T) {
		t.Parallel()
		db := openMemoryDB(t)
		fsys := fstest.MapFS{
			"m/001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
			"m/002_index.sql":   {Data: []byte("CREATE INDEX idx_widgets ON widgets (id);")},
		}
		manager := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), quietLogger())

		applied, err := manager.RunMigrations(ctx)
		if err != nil {
			t.Fatalf("RunMigrations failed: %v", err)
		}
		if applied != 2 {
			t.Fatalf("expected 2 applied, got %d", applied)
		}

		applied, err = manager.RunMigrations(ctx)
		if err != nil || applied != 0 {
			t.Fatalf("expected idempotent rerun, got %d, %v", applied, err)
		}

		status, err := manager.Status(ctx)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status.CurrentVersion != "002" || len(status.Pending) != 0 || len(status.Applied) != 2 {
			t.Fatalf("unexpected status: %+v", status)
		}
	})

	t.Run("failed migration leaves no partial schema", func(t *testing.T) {
		t.Parallel()
		db := openMemoryDB(t)
		fsys := fstest.MapFS{
			"m/001_ok.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
			"m/002_broken.sql": {Data: []byte("CREATE TABLE half (id TEXT);\nCREATE TABLE ok (id TEXT);")},
		}
		manager := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), quietLogger())

		applied, err := manager.RunMigrations(ctx)
		if !errors.Is(err, ErrMigrationFailed) {
			t.Fatalf("expected ErrMigrationFailed, got %v", err)
		}
		if applied != 1 {
			t.Fatalf("expected 1 applied before failure, got %d", applied)
		}

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'half'`).Scan(&count); err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if count != 0 {
			t.Fatal("expected rollback of partially applied migration")
		}
	})

	t.Run("detects edited migrations", func(t *testing.T) {
		t.Parallel()
		db := openMemoryDB(t)
		fsys := fstest.MapFS{"m/001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")}}
		if _, err := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), quietLogger()).RunMigrations(ctx); err != nil {
			t.Fatalf("RunMigrations failed: %v", err)
		}

		fsys["m/001_a.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT, name TEXT);")}
		_, err := NewManager(NewScanner(fsys, "m"), NewSQLiteExecutor(db), quietLogger()).Status(ctx)
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	err := NewConnectionManager(SQLiteConfig{JournalMode: "FAST", MaxOpenConns: -1}).ValidateConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DSN cannot be empty", "invalid journal mode", "connection limits"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	dsn := NewConnectionManager(TempFileTestSQLiteConfig("/tmp/a.db")).DataSourceName()
	if !strings.Contains(dsn, "_pragma=foreign_keys(1)") || !strings.HasPrefix(dsn, "/tmp/a.db?") {
		t.Fatalf("unexpected DSN %q", dsn)
	}
}
