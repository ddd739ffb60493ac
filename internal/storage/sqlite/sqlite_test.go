package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/storage/sqlite"
	"github.com/ashita-ai/kiseki/internal/storage/storetest"
	"github.com/ashita-ai/kiseki/internal/testutil"
)

func openTemp(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kiseki.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, openTemp(t))
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiseki.db")

	db, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	tr := storetest.NewTrace("task-reopen")
	require.NoError(t, db.CreateTrace(ctx, tr))
	require.NoError(t, db.Close())

	db, err = sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.TaskID, got.TaskID)
	assert.True(t, tr.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, "sqlite", db.Backend())
}
