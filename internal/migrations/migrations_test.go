package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAll_OrderedAndVersioned(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "001_initial_schema", all[0].Name)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Version, all[i-1].Version)
	}
}

func TestGetInitialSchema(t *testing.T) {
	schema, err := GetInitialSchema()
	require.NoError(t, err)

	for _, table := range []string{"sessions", "messages", "webhook_subscriptions", "pacing_policies"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestApply_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ran, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ran)

	ran, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, ran, "second run applies nothing")

	applied, err := AppliedVersions(ctx, db)
	require.NoError(t, err)
	assert.True(t, applied[1])

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='messages'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestApply_ExistingSchemaWithoutRecord(t *testing.T) {
	db := openTestDB(t)
	schema, err := GetInitialSchema()
	require.NoError(t, err)
	_, err = db.Exec(schema)
	require.NoError(t, err)

	ran, err := Apply(context.Background(), db)
	require.NoError(t, err, "IF NOT EXISTS statements make re-running safe")
	assert.Equal(t, []int{1}, ran)
}
