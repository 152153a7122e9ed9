// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"outliner/api/internal/store"
)

// New returns a migrated store backed by a database file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "outline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations, err := store.Migrations(store.SQLite, "")
	require.NoError(t, err)
	require.NoError(t, store.ApplyMigrations(ctx, db, store.SQLite, migrations))

	return store.New(db, store.SQLite)
}

// Project creates (or reuses) a project called name and returns its id.
func Project(t testing.TB, s *store.Store, name string) string {
	t.Helper()
	project, err := s.EnsureProject(context.Background(), name)
	require.NoError(t, err)
	return project.ID
}
