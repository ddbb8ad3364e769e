package cache

import (
	"context"
	"sort"
	"sync"
)

type memCache struct {
	name    string
	storage *MemStorage
	mutex   sync.RWMutex
	entries map[string]CacheEntry
}

// MemStorage keeps all caches in process memory.
// A Put on a deleted cache re-creates it.
type MemStorage struct {
	mutex  sync.RWMutex
	caches map[string]*memCache
	// cache names in creation order
	order []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		caches: make(map[string]*memCache),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:    name,
		storage: m,
		entries: make(map[string]CacheEntry),
	}
	m.caches[name] = c
	m.order = append(m.order, name)
	return c, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	delete(m.caches, name)
	c.mutex.Lock()
	c.entries = make(map[string]CacheEntry)
	c.mutex.Unlock()
	order := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if n != name {
			order = append(order, n)
		}
	}
	m.order = order
	return true, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, m.order...), nil
}

func (m *MemStorage) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	caches := make([]*memCache, 0, len(m.order))
	for _, name := range m.order {
		caches = append(caches, m.caches[name])
	}
	m.mutex.RUnlock()
	for _, c := range caches {
		if entry, ok, _ := c.Get(ctx, key); ok {
			return entry, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok, nil
}

// live returns the cache registered under the name of c.
// If the name was deleted, c is registered again.
func (m *MemStorage) live(c *memCache) *memCache {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.caches[c.name]; ok {
		return current
	}
	m.caches[c.name] = c
	m.order = append(m.order, c.name)
	return c
}

func (c *memCache) Put(_ context.Context, entry CacheEntry) error {
	c = c.storage.live(c)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[entry.Key] = entry
	return nil
}

func (c *memCache) PutAll(_ context.Context, entries []CacheEntry) error {
	c = c.storage.live(c)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, entry := range entries {
		c.entries[entry.Key] = entry
	}
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memCache) Keys(_ context.Context) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
