//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/core"
)

func TestOpenMemoryStore(t *testing.T) {
	store, err := Open(context.Background(), config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, "libsql", store.Driver())
	assert.Equal(t, 1, store.DB.Stats().MaxOpenConnections)
	require.NoError(t, store.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", Path: ":memory:"})
	require.ErrorContains(t, err, "unsupported store driver")
}

func TestOpenFileStoreUsesWAL(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Path: t.TempDir() + "/data/cursorgate.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	assert.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.GreaterOrEqual(t, busyTimeout, 1000)
}

func TestMigrateUpgradesIdentityOnlyTable(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.DB.ExecContext(ctx, `CREATE TABLE credentials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx,
		`INSERT INTO credentials (id, name, value, created_at) VALUES ('legacy', 'old', 'user_9::tok9', 1700000000)`)
	require.NoError(t, err)

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations must be re-runnable")

	cred, err := store.GetCredential(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, core.KindNormal, cred.Kind)
	assert.True(t, cred.Enabled)
	assert.False(t, cred.Throttle.RateLimited)
	assert.True(t, cred.Usable())
}
