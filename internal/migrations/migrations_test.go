package migrations_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/post-counter-cache/internal/migrations"
	"github.com/koopa0/system-design/post-counter-cache/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_UpDown(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	m, err := migrations.New(env.PostgresDSN, env.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	// 環境建立時已套用過，再次執行為 no-op
	require.NoError(t, m.Up())

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, m.Down())

	var exists bool
	err = env.PostgresPool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'posts')`).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.Up())
	err = env.PostgresPool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'posts')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}
