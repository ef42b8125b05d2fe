package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "runtime.db"))
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(CategoryState{
		SiteName:         "shop",
		CategoryURL:      "https://shop.ru/items/sneakers",
		LastPage:         3,
		LastProductCount: 7,
		LastRunTS:        ts,
	}))

	got, err := store.Get("shop", "https://shop.ru/items/sneakers")
	require.NoError(t, err)
	assert.Equal(t, 3, got.LastPage)
	assert.Equal(t, 7, got.LastProductCount)
	assert.True(t, got.LastRunTS.Equal(ts))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "runtime.db"))

	_, err := store.Get("shop", "https://shop.ru/items/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "runtime.db"))
	key := CategoryState{SiteName: "shop", CategoryURL: "https://shop.ru/items/bags"}

	key.LastPage, key.LastProductCount = 1, 2
	require.NoError(t, store.Upsert(key))
	key.LastPage, key.LastProductCount = 2, 5
	require.NoError(t, store.Upsert(key))

	got, err := store.Get("shop", "https://shop.ru/items/bags")
	require.NoError(t, err)
	assert.Equal(t, 2, got.LastPage)
	assert.Equal(t, 5, got.LastProductCount)

	all, err := store.IterAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.db")
	store := openTestStore(t, path)
	require.NoError(t, store.Upsert(CategoryState{
		SiteName:         "shop",
		CategoryURL:      "https://shop.ru/items/shoes",
		LastPage:         2,
		LastProductCount: 9,
		LastRunTS:        time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	got, err := reopened.Get("shop", "https://shop.ru/items/shoes")
	require.NoError(t, err)
	assert.Equal(t, 2, got.LastPage)
	assert.Equal(t, 9, got.LastProductCount)
}

func TestResetScopes(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "runtime.db"))
	seed := []CategoryState{
		{SiteName: "a", CategoryURL: "https://a.ru/1"},
		{SiteName: "a", CategoryURL: "https://a.ru/2"},
		{SiteName: "b", CategoryURL: "https://b.ru/1"},
	}
	for _, cs := range seed {
		require.NoError(t, store.Upsert(cs))
	}

	require.NoError(t, store.ResetCategory("a", "https://a.ru/1"))
	states, err := store.IterSiteState("a")
	require.NoError(t, err)
	assert.Len(t, states, 1)

	require.NoError(t, store.ResetSite("a"))
	states, err = store.IterSiteState("a")
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, store.ResetAll())
	all, err := store.IterAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}
