package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]Storage {
	sqlite, err := NewSQLiteStorage("")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
	}
}

func entry(key, body string) CacheEntry {
	return CacheEntry{Key: key, StoredAt: time.Unix(1700000000, 0), Bytes: []byte(body)}
}

func TestStoragePutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "precache-v1")
			require.NoError(t, err)
			assert.Equal(t, "precache-v1", c.Name())

			_, ok, err := c.Get(ctx, "GET:https://app.example.com/")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Put(ctx, entry("GET:https://app.example.com/", "first")))
			require.NoError(t, c.Put(ctx, entry("GET:https://app.example.com/", "second")))

			got, ok, err := c.Get(ctx, "GET:https://app.example.com/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "second", string(got.Bytes))
			assert.True(t, got.StoredAt.Equal(time.Unix(1700000000, 0)))

			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"GET:https://app.example.com/"}, keys)

			deleted, err := c.Delete(ctx, "GET:https://app.example.com/")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = c.Delete(ctx, "GET:https://app.example.com/")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestStorageNamesAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"A_v1", "B_v1", "C_other"} {
				c, err := s.Open(ctx, n)
				require.NoError(t, err)
				require.NoError(t, c.Put(ctx, entry("GET:https://app.example.com/"+n, n)))
			}
			// opening again must not change the order
			_, err := s.Open(ctx, "A_v1")
			require.NoError(t, err)

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"A_v1", "B_v1", "C_other"}, names)

			deleted, err := s.Delete(ctx, "C_other")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = s.Delete(ctx, "C_other")
			require.NoError(t, err)
			assert.False(t, deleted)

			has, err := s.Has(ctx, "C_other")
			require.NoError(t, err)
			assert.False(t, has)
			has, err = s.Has(ctx, "A_v1")
			require.NoError(t, err)
			assert.True(t, has)

			// entries of the deleted cache are gone
			_, ok, err := s.Match(ctx, "GET:https://app.example.com/C_other")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoragePutRecreatesDeletedCache(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "runtime")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, entry("GET:https://app.example.com/old", "old")))

			deleted, err := s.Delete(ctx, "runtime")
			require.NoError(t, err)
			require.True(t, deleted)

			// a handle opened before the delete still stores
			require.NoError(t, c.Put(ctx, entry("GET:https://app.example.com/new", "new")))

			has, err := s.Has(ctx, "runtime")
			require.NoError(t, err)
			assert.True(t, has)

			reopened, err := s.Open(ctx, "runtime")
			require.NoError(t, err)
			keys, err := reopened.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"GET:https://app.example.com/new"}, keys)

			_, ok, err := s.Match(ctx, "GET:https://app.example.com/new")
			require.NoError(t, err)
			assert.True(t, ok)
			_, ok, err = s.Match(ctx, "GET:https://app.example.com/old")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageMatchUsesCreationOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.Open(ctx, "first")
			require.NoError(t, err)
			second, err := s.Open(ctx, "second")
			require.NoError(t, err)
			require.NoError(t, second.Put(ctx, entry("GET:https://app.example.com/x", "from second")))

			got, ok, err := s.Match(ctx, "GET:https://app.example.com/x")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "from second", string(got.Bytes))

			require.NoError(t, first.Put(ctx, entry("GET:https://app.example.com/x", "from first")))
			got, ok, err = s.Match(ctx, "GET:https://app.example.com/x")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "from first", string(got.Bytes))
		})
	}
}

func TestStoragePutAll(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "precache")
			require.NoError(t, err)
			require.NoError(t, c.PutAll(ctx, []CacheEntry{
				entry("GET:https://app.example.com/a", "a"),
				entry("GET:https://app.example.com/b", "b"),
			}))
			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"GET:https://app.example.com/a", "GET:https://app.example.com/b"}, keys)
		})
	}
}

func TestSQLiteStorageIsPrivatePerInstance(t *testing.T) {
	ctx := context.Background()
	a, err := NewSQLiteStorage("")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStorage("")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Open(ctx, "only-in-a")
	require.NoError(t, err)
	has, err := b.Has(ctx, "only-in-a")
	require.NoError(t, err)
	assert.False(t, has)
}
