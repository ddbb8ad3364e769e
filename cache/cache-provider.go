package cache

import (
	"context"
	"time"
)

// Storage is a set of named caches, each a durable mapping from request key to stored response bytes.
// The bytes are opaque to the storage, see the response-serializer package for their format.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and all its entries.
	// It returns false if there was no such cache.
	// A Cache opened before the Delete stays usable: a Put through it re-creates the cache.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all caches in creation order.
	Names(ctx context.Context) ([]string, error)
	// Match looks the key up in every cache, in creation order, and returns the first entry found.
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Close() error
}

// Cache is a single named cache.
type Cache interface {
	Name() string
	// Get returns the entry stored under the given key.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry CacheEntry) error
	// PutAll stores all entries, or none of them if an error occurs.
	PutAll(ctx context.Context, entries []CacheEntry) error
	// Delete removes the entry with the given key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys of all entries.
	Keys(ctx context.Context) ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
