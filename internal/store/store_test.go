package store

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pont.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestOpen_CreatesDirectory verifies that Open creates the parent directory if missing.
func TestOpen_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "pont.db")

	s, err := Open(dbPath)
	require.NoError(t, err, "Open should succeed even with nested non-existent directories")
	defer s.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after Open")
	require.True(t, info.IsDir())

	// Verify directory permissions are 0700 (Unix only)
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestOpen_RunsMigrations verifies that Open runs migrations and creates the tables.
func TestOpen_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"threads", "turns", "events_log", "approvals", "interactions", "audit_log"} {
		var name string
		err := s.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "%s table should exist after migrations", table)
		require.Equal(t, table, name)
	}
}

// TestOpen_PreMigrationBackup verifies that a .bak file is created when
// an existing database file is present.
func TestOpen_PreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "pont.db")

	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertThreads(context.Background(), []Thread{{ThreadID: "t1", UpdatedAt: time.Now()}}))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "Backup file should exist after second Open")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

// TestOpen_WALMode verifies that WAL mode is enabled via PRAGMA query.
func TestOpen_WALMode(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	require.Equal(t, "wal", journalMode, "Journal mode should be WAL")
}

// TestOpen_ForeignKeys verifies that foreign keys are enabled.
func TestOpen_ForeignKeys(t *testing.T) {
	s := newTestStore(t)

	var foreignKeys int
	err := s.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

// TestOpen_BusyTimeout verifies the 5000ms busy timeout.
func TestOpen_BusyTimeout(t *testing.T) {
	s := newTestStore(t)

	var busyTimeout int
	err := s.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	require.NoError(t, err)
	require.Equal(t, 5000, busyTimeout)
}

// TestOpen_Reopen verifies that reopening an already-migrated database succeeds.
func TestOpen_Reopen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "pont.db")

	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err, "second Open should tolerate an up-to-date schema")
	require.NoError(t, s2.Close())
}

func TestStore_Close(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := Open(filepath.Join(tmpDir, "pont.db"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.Error(t, s.conn.Ping(), "Ping should fail after Close")
}
