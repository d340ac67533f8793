// Package store persists the gateway's projections: threads, turns, the
// durable event log, approvals, interactions, and the audit trail. It
// uses SQLite in WAL mode via the ncruces driver; the schema is managed
// by golang-migrate from embedded SQL files.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/pont/internal/log"
)

// Store wraps the projection database.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the projection database at path and applies
// pending schema migrations. The parent directory is created with 0700
// permissions. An existing database file is copied to path+".bak"
// before migrations run.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	if err := backupExisting(path); err != nil {
		return nil, err
	}

	// Pragmas ride the DSN so every pooled connection gets them.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrateUp(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info(log.CatStore, "projection store ready", "path", path)
	return &Store{conn: conn, path: path}, nil
}

// backupExisting copies an existing database file to path+".bak" so a
// bad migration cannot eat the only copy of the projections.
func backupExisting(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: path is the configured db location
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening database for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: derived from db path
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing backup: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Connection returns the underlying *sql.DB.
func (s *Store) Connection() *sql.DB {
	return s.conn
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}
