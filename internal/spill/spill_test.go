package spill_test

import (
	"path/filepath"
	"testing"

	"github.com/koopa0/system-design/post-counter-cache/internal/spill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *spill.Store {
	t.Helper()
	store, err := spill.Open(path)
	require.NoError(t, err)
	return store
}

func TestStore_SaveTake(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "spill.db"))
	defer store.Close()

	require.NoError(t, store.Save("views", map[int64]int64{1: 2, 3: 4}))
	require.NoError(t, store.Save("views", map[int64]int64{1: 5}))
	require.NoError(t, store.Save("hearts", map[int64]int64{9: 1}))

	views, err := store.Take("views")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 7, 3: 4}, views)

	// 取出後即刪除
	again, err := store.Take("views")
	require.NoError(t, err)
	assert.Nil(t, again)

	hearts, err := store.Take("hearts")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{9: 1}, hearts)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spill.db")

	store := openStore(t, path)
	require.NoError(t, store.Save("hearts", map[int64]int64{42: 3}))
	require.NoError(t, store.Close())

	reopened := openStore(t, path)
	defer reopened.Close()

	entries, err := reopened.Take("hearts")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{42: 3}, entries)
}

func TestStore_SaveEmptyIsNoop(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "spill.db"))
	defer store.Close()

	require.NoError(t, store.Save("views", nil))

	entries, err := store.Take("views")
	require.NoError(t, err)
	assert.Nil(t, entries)
}
