package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/agigate/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "agigate.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'").Scan(&count); err != nil {
		t.Fatalf("checking sessions table: %v", err)
	}
	if count != 1 {
		t.Error("sessions table not found")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db.Close()

	db, err = Open(dir, testLogger())
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()

	versions, err := migrationVersions()
	if err != nil {
		t.Fatalf("migrationVersions: %v", err)
	}
	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if applied != len(versions) {
		t.Errorf("applied migrations = %d, want %d", applied, len(versions))
	}
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(openTestDB(t))

	if _, err := repo.Load(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Load missing: expected ErrNotFound, got %v", err)
	}

	if err := repo.Save(ctx, "s1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, "s1", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	data, err := repo.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != `{"a":2}` {
		t.Errorf("data = %s", data)
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestSessionRepositoryDeleteExpired(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSessionRepository(db)

	if err := repo.Save(ctx, "old", []byte(`{}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, "fresh", []byte(`{}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := db.Exec(`UPDATE sessions SET updated_at = datetime('now', '-2 hours') WHERE id = 'old'`); err != nil {
		t.Fatalf("ageing session: %v", err)
	}

	deleted, err := repo.DeleteExpired(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := repo.Load(ctx, "fresh"); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}
}

func TestSessionStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(NewSessionRepository(openTestDB(t)), testLogger())

	sess, err := store.Open(ctx, "caller-42")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess.Set("step", "confirm")
	if err := sess.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := store.Open(ctx, "caller-42")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.IsNew() {
		t.Error("reopened session reported as new")
	}
	if v, _ := again.Get("step"); v != "confirm" {
		t.Errorf("step = %v, want confirm", v)
	}
}
