// ABOUTME: Shared helpers and lifecycle tests for the SQLite store
// ABOUTME: Verifies schema versioning, reopening, and refusal of newer schemas

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func generateTestID(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}

func TestNewSQLiteStore_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "gateway.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, _, err = s.CreateAdminToken(ctx, "ops")
	require.NoError(t, err)
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
		Actor: "fleet-controller", Action: AuditDeletePod, TargetType: "pod", TargetID: "meds-1",
	}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.CountAdminTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ResultOK, entries[0].Result)
}

func TestNewSQLiteStore_RecordsSchemaVersion(t *testing.T) {
	s := setupTestStore(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestNewSQLiteStore_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = NewSQLiteStore(path)
	assert.ErrorContains(t, err, "newer than this binary")
}
