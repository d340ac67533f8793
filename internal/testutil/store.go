// Package testutil provides shared test fixtures: a throwaway projection
// store and a scripted stand-in for the app-server worker.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zjrosen/pont/internal/store"
)

// NewTestStore opens a fully migrated projection store in a per-test temp
// directory and closes it when the test finishes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "pont.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
