package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// fileName is the database file created inside the data directory.
const fileName = "agigate.db"

// DB wraps the local SQLite database used for session storage.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database in dataDir with WAL mode enabled
// and applies pending migrations.
func Open(dataDir string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fileName)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, logger: logger.With("component", "database")}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.logger.Info("database opened", "path", dbPath)
	return db, nil
}

// migrate applies every embedded migration not yet in schema_migrations.
func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	versions, err := migrationVersions()
	if err != nil {
		return err
	}

	for _, version := range versions {
		var applied bool
		if err := db.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = ?)", version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied {
			continue
		}
		if err := db.apply(version); err != nil {
			return err
		}
		db.logger.Info("applied migration", "version", version)
	}
	return nil
}

func (db *DB) apply(version string) error {
	content, err := migrationsFS.ReadFile(path.Join("migrations", version+".sql"))
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", version, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

// migrationVersions lists embedded migrations in filename order.
func migrationVersions() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(entry.Name(), ".sql"))
	}
	slices.Sort(versions)
	return versions, nil
}
