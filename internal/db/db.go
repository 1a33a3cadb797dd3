// Package db opens the matchqd SQLite database and keeps its schema current.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the run journal database.
type DB struct {
	*sql.DB
	path string
}

// connection settings passed through the go-sqlite3 DSN so that every
// pooled connection gets them, not only the first one.
var dsnParams = url.Values{
	"_foreign_keys": {"on"},
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_synchronous":  {"NORMAL"},
}

// Open opens (creating if needed) the database at dbPath. The schema is not
// touched; call Migrate or RequiresMigrationError afterwards.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+dbPath+"?"+dsnParams.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	return &DB{DB: conn, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies every pending schema migration.
func (db *DB) Migrate() error {
	_, err := db.MigrateWithInfo()
	return err
}

// schemaVersions lists the embedded migration files in apply order.
func schemaVersions() ([]string, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	versions := make([]string, 0, len(names))
	for _, name := range names {
		versions = append(versions, strings.TrimPrefix(name, "migrations/"))
	}
	slices.Sort(versions)
	return versions, nil
}

// appliedVersions returns the recorded versions, or nil when the bookkeeping
// table has never been created.
func (db *DB) appliedVersions() ([]string, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// MigrateWithInfo applies pending migrations, each in its own transaction,
// and returns the versions it applied.
func (db *DB) MigrateWithInfo() ([]string, error) {
	_, pending, err := db.MigrationStatus()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var applied []string
	for _, version := range pending {
		if err := db.applyVersion(version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

func (db *DB) applyVersion(version string) error {
	script, err := migrationsFS.ReadFile("migrations/" + version)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", version, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", version, err)
	}
	return nil
}

// MigrationStatus splits the embedded migrations into applied and pending.
func (db *DB) MigrationStatus() (applied []string, pending []string, err error) {
	all, err := schemaVersions()
	if err != nil {
		return nil, nil, err
	}
	applied, err = db.appliedVersions()
	if err != nil {
		return nil, nil, err
	}
	for _, v := range all {
		if !slices.Contains(applied, v) {
			pending = append(pending, v)
		}
	}
	return applied, pending, nil
}

// RequiresMigrationError returns a descriptive error when the database has
// pending schema migrations, or nil.
func (db *DB) RequiresMigrationError() error {
	applied, pending, err := db.MigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	current := "none"
	if len(applied) > 0 {
		current = applied[len(applied)-1]
	}
	return fmt.Errorf("database at %s (version: %s) requires migration: %d pending migration(s). Run 'matchqd --migrate' to update",
		db.path, current, len(pending))
}
